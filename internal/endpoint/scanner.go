package endpoint

import (
	"bytes"
	"fmt"

	"firestige.xyz/dropsock/internal/core"
)

// Scanner walks a request and yields pairs in input order. The first
// malformed pair stops the scan for good; Err reports why.
//
//	s := endpoint.NewScanner(text)
//	for s.Scan() {
//		kill(s.Pair())
//	}
type Scanner struct {
	text []byte
	pos  int
	pair Pair
	err  error
	done bool
}

// NewScanner creates a scanner over text. A zero byte ends the input.
func NewScanner(text []byte) *Scanner {
	if i := bytes.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	return &Scanner{text: text}
}

// Scan advances to the next pair. It returns false at the end of input, on a
// dangling source token, or on the first malformed pair.
func (s *Scanner) Scan() bool {
	if s.done {
		return false
	}
	text := s.text
	p := s.skipSpace(s.pos)
	if p >= len(text) {
		return s.stop(nil)
	}

	srcStart := p
	p = s.skipToken(p)
	srcEnd := p
	if p >= len(text) {
		// source without a destination
		return s.stop(nil)
	}

	p = s.skipSpace(p)
	if p >= len(text) {
		return s.stop(nil)
	}
	dstStart := p
	p = s.skipToken(p)
	dstEnd := p

	src, err := Parse(string(text[srcStart:srcEnd]))
	if err != nil {
		return s.stop(err)
	}
	dst, err := Parse(string(text[dstStart:dstEnd]))
	if err != nil {
		return s.stop(err)
	}
	if src.Family != dst.Family {
		return s.stop(fmt.Errorf("%w: %s is %s, %s is %s",
			core.ErrFamilyMismatch, src, src.Family, dst, dst.Family))
	}

	s.pair = Pair{Source: src, Destination: dst}
	// step over the byte that ended the destination token
	s.pos = dstEnd + 1
	return true
}

// Pair returns the pair produced by the last successful Scan.
func (s *Scanner) Pair() Pair { return s.pair }

// Err returns the parse error that stopped the scan, or nil if it ran to the
// end of input.
func (s *Scanner) Err() error { return s.err }

// Offset returns the byte position the scan has consumed up to.
func (s *Scanner) Offset() int {
	if s.pos > len(s.text) {
		return len(s.text)
	}
	return s.pos
}

func (s *Scanner) stop(err error) bool {
	s.done = true
	s.err = err
	return false
}

func (s *Scanner) skipSpace(p int) int {
	for p < len(s.text) && isSpace(s.text[p]) {
		p++
	}
	return p
}

func (s *Scanner) skipToken(p int) int {
	for p < len(s.text) && !isSpace(s.text[p]) {
		p++
	}
	return p
}

// isSpace matches the C locale isspace set.
func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// ScanAll collects every pair of text up to the first malformed one.
func ScanAll(text []byte) ([]Pair, error) {
	var pairs []Pair
	s := NewScanner(text)
	for s.Scan() {
		pairs = append(pairs, s.Pair())
	}
	return pairs, s.Err()
}
