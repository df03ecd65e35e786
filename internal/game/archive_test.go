package game

import (
	"strings"
	"testing"
	"time"
)

func TestBuildPGN(t *testing.T) {
	g := &Session{
		Key:       "games/x",
		WhiteID:   "u1",
		WhiteName: `Alice "The Rook"`,
		BlackID:   "u2",
		BlackName: "Bob",
		Status:    StatusCheckmate,
		WinnerID:  "u2",
		MoveHistory: []Move{
			{From: "f2", To: "f3"},
			{From: "e7", To: "e5"},
			{From: "g2", To: "g4"},
			{From: "d8", To: "h4"},
		},
		CreatedAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now(),
	}
	pgn := buildPGN(NewOracle(), g, "0-1", "checkmate")

	for _, want := range []string{
		`[Result "0-1"]`,
		`[Termination "checkmate"]`,
		"1. f3 e5",
		"2. g4 Qh4#",
	} {
		if !strings.Contains(pgn, want) {
			t.Fatalf("pgn missing %q:\n%s", want, pgn)
		}
	}
	// Double quotes in names would break the tag pair.
	if strings.Contains(pgn, `"The Rook"`) {
		t.Fatalf("name not sanitized:\n%s", pgn)
	}
}

func TestMapResultToPGN(t *testing.T) {
	cases := map[string]string{"white": "1-0", "black": "0-1", "draw": "1/2-1/2", "": "*"}
	for in, want := range cases {
		if got := mapResultToPGN(in); got != want {
			t.Fatalf("mapResultToPGN(%q) = %q, want %q", in, got, want)
		}
	}
}
