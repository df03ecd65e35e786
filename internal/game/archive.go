package game

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Archive persists finished sessions to Postgres. The live record in
// the store is never deleted by the core; this is the durable copy.
type Archive struct {
	db     *sql.DB
	oracle Oracle
}

func NewArchive(databaseURL string) (*Archive, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Archive{db: db, oracle: NewOracle()}, nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// SaveResult upserts a terminal session, keyed by game key.
func (a *Archive) SaveResult(ctx context.Context, g *Session, method string) error {
	if a == nil || a.db == nil || g == nil {
		return nil
	}

	result := ""
	switch {
	case g.WinnerID == g.WhiteID && g.WinnerID != "":
		result = "white"
	case g.WinnerID == g.BlackID && g.WinnerID != "":
		result = "black"
	case g.Status == StatusDraw:
		result = "draw"
	}
	pgnResult := mapResultToPGN(result)
	pgn := buildPGN(a.oracle, g, pgnResult, method)

	historyRaw, _ := json.Marshal(g.MoveHistory)
	duration := g.UpdatedAt.Sub(g.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO finished_games (
	    game_key, white_id, white_name, black_id, black_name,
	    match_type, result, result_method, position, move_history, pgn,
	    started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	  ) ON CONFLICT (game_key) DO UPDATE SET
	    result=EXCLUDED.result,
	    result_method=EXCLUDED.result_method,
	    position=EXCLUDED.position,
	    move_history=EXCLUDED.move_history,
	    pgn=EXCLUDED.pgn,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	_, err := a.db.ExecContext(ctx, q,
		g.Key,
		g.WhiteID, g.WhiteName,
		g.BlackID, g.BlackName,
		g.MatchType,
		result, strings.TrimSpace(method), g.Position, string(historyRaw), pgn,
		g.CreatedAt, g.UpdatedAt, duration,
	)
	return err
}

func mapResultToPGN(result string) string {
	switch result {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

func buildPGN(o Oracle, g *Session, pgnResult, method string) string {
	if g == nil {
		return ""
	}
	var b strings.Builder
	date := g.UpdatedAt
	if date.IsZero() {
		date = time.Now()
	}
	b.WriteString("[Event \"Lobby match\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(g.WhiteName)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(g.BlackName)))
	if strings.TrimSpace(method) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(strings.ToLower(method))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))

	// History is stored as coordinates; replay through the oracle to
	// recover SAN for the movetext.
	san := make([]string, 0, len(g.MoveHistory))
	pos := InitialFEN
	for _, mv := range g.MoveHistory {
		res, err := o.ApplyMove(pos, mv.From, mv.To, mv.Promotion)
		if err != nil {
			break
		}
		san = append(san, res.SAN)
		pos = res.Position
	}
	for i := 0; i < len(san); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, san[i]))
		if i+1 < len(san) {
			b.WriteString(" ")
			b.WriteString(san[i+1])
		}
		b.WriteString(" ")
	}
	b.WriteString(pgnResult)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
