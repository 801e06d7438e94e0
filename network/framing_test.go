package network

import (
	"bufio"
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func TestFramerRoundTripByteByByte(t *testing.T) {
	messages := []string{
		"hello",
		"",
		"Post \"Hello World!\" true",
		"unicode: héllo wörld ✓",
		"{[END?] almost a terminator",
		strings.Repeat("x", 1000),
	}

	f := NewFramer("", 0)
	var stream []byte
	for _, msg := range messages {
		stream = append(stream, f.Encode(msg)...)
	}

	var got []string
	for i := range stream {
		lines, err := f.Feed(stream[i : i+1])
		if err != nil {
			t.Fatalf("Feed failed at byte %d: %v", i, err)
		}
		got = append(got, lines...)
	}

	if !reflect.DeepEqual(got, messages) {
		t.Errorf("Expected %q, got %q", messages, got)
	}
	if f.Buffered() != 0 {
		t.Errorf("Expected empty buffer, %d bytes left", f.Buffered())
	}
}

func TestFramerRandomChunks(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	f := NewFramer(DefaultTerminator, 0)
	var messages []string
	var stream []byte
	for i := 0; i < 200; i++ {
		msg := strings.Repeat(string(rune('a'+i%26)), rng.Intn(40))
		messages = append(messages, msg)
		stream = append(stream, f.Encode(msg)...)
	}

	var got []string
	for len(stream) > 0 {
		n := 1 + rng.Intn(37)
		if n > len(stream) {
			n = len(stream)
		}
		lines, err := f.Feed(stream[:n])
		if err != nil {
			t.Fatalf("Feed failed: %v", err)
		}
		got = append(got, lines...)
		stream = stream[n:]
	}

	if !reflect.DeepEqual(got, messages) {
		t.Errorf("Round trip mismatch: got %d messages, want %d", len(got), len(messages))
	}
}

func TestFramerSplitTerminator(t *testing.T) {
	f := NewFramer("", 0)

	lines, err := f.Feed([]byte("hello{[END"))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("Expected no message yet, got %q", lines)
	}

	lines, err = f.Feed([]byte("?]}world{[END?]}"))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if want := []string{"hello", "world"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("Expected %q, got %q", want, lines)
	}
}

func TestFramerRetainsRemainder(t *testing.T) {
	f := NewFramer("", 0)

	lines, _ := f.Feed([]byte("a{[END?]}b{[END?]}partial"))
	if want := []string{"a", "b"}; !reflect.DeepEqual(lines, want) {
		t.Fatalf("Expected %q, got %q", want, lines)
	}
	if f.Buffered() != len("partial") {
		t.Errorf("Expected %d buffered bytes, got %d", len("partial"), f.Buffered())
	}

	lines, _ = f.Feed([]byte(" end{[END?]}"))
	if want := []string{"partial end"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("Expected %q, got %q", want, lines)
	}
}

func TestFramerCustomTerminator(t *testing.T) {
	f := NewFramer("\n", 0)
	if f.Terminator() != "\n" {
		t.Errorf("Expected newline terminator, got %q", f.Terminator())
	}

	lines, _ := f.Feed([]byte("one\ntwo\nthr"))
	if want := []string{"one", "two"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("Expected %q, got %q", want, lines)
	}
}

func TestFramerTooLarge(t *testing.T) {
	f := NewFramer("", 16)

	lines, err := f.Feed([]byte("ok{[END?]}" + strings.Repeat("x", 32)))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Expected ErrFrameTooLarge, got %v", err)
	}
	if want := []string{"ok"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("Expected %q before the error, got %q", want, lines)
	}
	if f.Buffered() != 0 {
		t.Errorf("Expected buffer reset, %d bytes left", f.Buffered())
	}

	// The framer keeps working after the reset.
	lines, err = f.Feed([]byte("next{[END?]}"))
	if err != nil || !reflect.DeepEqual(lines, []string{"next"}) {
		t.Errorf("Unexpected result after reset: %q, %v", lines, err)
	}
}

func TestScanFrames(t *testing.T) {
	input := "first{[END?]}second{[END?]}{[END?]}dangling"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(ScanFrames(""))

	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if want := []string{"first", "second", ""}; !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
