package game

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// MoveResult is the oracle's verdict on an accepted move.
type MoveResult struct {
	Position  string // FEN after the move
	SAN       string
	Check     bool
	Checkmate bool
	Draw      bool
}

// Oracle is the rules engine the synchronizer consults. It is the only
// component that understands chess; everything else treats positions as
// opaque strings.
type Oracle interface {
	// LegalMoves maps each origin square to its legal destinations.
	LegalMoves(position string) (map[string][]string, error)
	// ApplyMove validates from/to (+promotion) against the position and
	// returns the resulting state, or ErrIllegalMove.
	ApplyMove(position, from, to, promotion string) (*MoveResult, error)
	// IsCheckmate and IsDraw classify a standalone position.
	IsCheckmate(position string) (bool, error)
	IsDraw(position string) (bool, error)
}

type rulesOracle struct{}

// NewOracle returns the corentings/chess backed oracle.
func NewOracle() Oracle { return rulesOracle{} }

func gameFrom(position string) (*nchess.Game, error) {
	p := strings.TrimSpace(position)
	if p == "" || p == "startpos" {
		return nchess.NewGame(), nil
	}
	option, err := nchess.FEN(p)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", p, err)
	}
	return nchess.NewGame(option), nil
}

func (rulesOracle) LegalMoves(position string) (map[string][]string, error) {
	g, err := gameFrom(position)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, mv := range g.ValidMoves() {
		from := mv.S1().String()
		out[from] = append(out[from], mv.S2().String())
	}
	return out, nil
}

func (rulesOracle) ApplyMove(position, from, to, promotion string) (*MoveResult, error) {
	g, err := gameFrom(position)
	if err != nil {
		return nil, err
	}
	uci := strings.ToLower(strings.TrimSpace(from) + strings.TrimSpace(to) + strings.TrimSpace(promotion))
	if len(uci) < 4 {
		return nil, ErrIllegalMove
	}
	pos := g.Position()
	notation := nchess.UCINotation{}
	mv, derr := notation.Decode(pos, uci)
	if derr != nil && strings.TrimSpace(promotion) == "" {
		// Promotion piece unspecified: default to the strongest piece.
		// A policy choice, not a rules requirement.
		mv, derr = notation.Decode(pos, uci+"q")
	}
	if derr != nil {
		return nil, ErrIllegalMove
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	if err := g.PushNotationMove(mv.String(), notation, nil); err != nil {
		return nil, ErrIllegalMove
	}
	return &MoveResult{
		Position:  g.FEN(),
		SAN:       san,
		Check:     strings.HasSuffix(san, "+") || strings.HasSuffix(san, "#"),
		Checkmate: g.Method() == nchess.Checkmate,
		Draw:      g.Outcome() == nchess.Draw,
	}, nil
}

func (rulesOracle) IsCheckmate(position string) (bool, error) {
	g, err := gameFrom(position)
	if err != nil {
		return false, err
	}
	return g.Method() == nchess.Checkmate, nil
}

func (rulesOracle) IsDraw(position string) (bool, error) {
	g, err := gameFrom(position)
	if err != nil {
		return false, err
	}
	return g.Outcome() == nchess.Draw || g.Position().Status() == nchess.Stalemate, nil
}

// Replay applies every history move in order from the initial position
// and returns the resulting FEN. The stored position of a committed
// session must reproduce exactly.
func Replay(o Oracle, history []Move) (string, error) {
	pos := InitialFEN
	for i, mv := range history {
		res, err := o.ApplyMove(pos, mv.From, mv.To, mv.Promotion)
		if err != nil {
			return "", fmt.Errorf("replay ply %d (%s%s): %w", i+1, mv.From, mv.To, err)
		}
		pos = res.Position
	}
	return pos, nil
}
