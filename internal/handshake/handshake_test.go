package handshake

import (
	"errors"
	"testing"

	"github.com/qrexec-go/agent/internal/frame"
	"github.com/qrexec-go/agent/internal/vchan"
)

func TestNegotiatePicksMinimum(t *testing.T) {
	a, b, err := vchan.NewLoopback(0)
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	defer a.Close()
	defer b.Close()

	results := make(chan int, 2)
	errs := make(chan error, 2)
	go func() {
		v, err := Negotiate(a, 5)
		results <- v
		errs <- err
	}()
	go func() {
		v, err := Negotiate(b, 3)
		results <- v
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Negotiate: %v", err)
		}
		if v := <-results; v != 3 {
			t.Errorf("negotiated version = %d, want 3", v)
		}
	}
}

func TestNegotiateRejectsBelowFloor(t *testing.T) {
	a, b, err := vchan.NewLoopback(0)
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, err := Negotiate(a, MinimumSupportedVersion)
		done <- err
	}()

	_, err = Negotiate(b, MinimumSupportedVersion-1)
	if !errors.Is(err, ErrVersionTooLow) {
		t.Errorf("expected ErrVersionTooLow, got %v", err)
	}
	<-done
}

func TestNegotiateRejectsWrongFrameType(t *testing.T) {
	a, b, err := vchan.NewLoopback(0)
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	defer a.Close()
	defer b.Close()

	if err := frame.WriteFrame(a, frame.TypeDataStdin, frame.EncodeHello(2)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if _, err := Negotiate(b, 2); !errors.Is(err, ErrWrongType) {
		t.Errorf("expected ErrWrongType, got %v", err)
	}
}
