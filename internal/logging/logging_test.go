package logging

import "testing"

func TestNamedReturnsUsableLogger(t *testing.T) {
	log := Named("test-component")
	if log == nil {
		t.Fatal("expected Named to return a non-nil logger")
	}
	log.Infow("hello", "k", "v")
}

func TestLIsProcessWideSingleton(t *testing.T) {
	if L() != L() {
		t.Fatal("expected L() to return the same logger instance across calls")
	}
}
