// Package game implements tic-tac-toe against a simple computer opponent.
package game

import (
	"errors"
	"strings"
)

// Mark is the content of a cell.
type Mark byte

const (
	Empty Mark = 0
	X     Mark = 'X'
	O     Mark = 'O'
)

func (m Mark) Opponent() Mark {
	switch m {
	case X:
		return O
	case O:
		return X
	}
	return Empty
}

var (
	ErrOutOfRange  = errors.New("game: cell must be between 1 and 9")
	ErrOccupied    = errors.New("game: cell is already taken")
	ErrFinished    = errors.New("game: game is over")
	ErrNotYourTurn = errors.New("game: not this player's turn")
)

var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Board holds cells 0..8 row by row.
type Board [9]Mark

// Outcome describes a board that may be finished.
type Outcome struct {
	Winner Mark
	Line   [3]int
	Tie    bool
}

func (o Outcome) Over() bool { return o.Winner != Empty || o.Tie }

// Outcome reports the winner and winning line, or a tie when the board is full.
func (b Board) Outcome() Outcome {
	for _, l := range lines {
		if m := b[l[0]]; m != Empty && m == b[l[1]] && m == b[l[2]] {
			return Outcome{Winner: m, Line: l}
		}
	}
	for _, m := range b {
		if m == Empty {
			return Outcome{}
		}
	}
	return Outcome{Tie: true}
}

func (b Board) free(i int) bool { return b[i] == Empty }

// BestMove picks the reply for m: win if possible, otherwise block the
// opponent, then take the center, a corner or an edge. It returns -1 on a
// full board.
func BestMove(b Board, m Mark) int {
	for _, who := range []Mark{m, m.Opponent()} {
		for i := range b {
			if !b.free(i) {
				continue
			}
			next := b
			next[i] = who
			if next.Outcome().Winner == who {
				return i
			}
		}
	}
	for _, i := range []int{4, 0, 2, 6, 8, 1, 3, 5, 7} {
		if b.free(i) {
			return i
		}
	}
	return -1
}

// String renders the board with free cells numbered 1 to 9.
func (b Board) String() string {
	var sb strings.Builder
	for row := 0; row < 3; row++ {
		if row > 0 {
			sb.WriteString("\n---+---+---\n")
		}
		for col := 0; col < 3; col++ {
			i := row*3 + col
			if col > 0 {
				sb.WriteByte('|')
			}
			sb.WriteByte(' ')
			if b[i] == Empty {
				sb.WriteByte(byte('1' + i))
			} else {
				sb.WriteByte(byte(b[i]))
			}
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

// Game is a single match where the player is X and moves first.
type Game struct {
	board Board
	turn  Mark
}

func New() *Game { return &Game{turn: X} }

func (g *Game) Board() Board     { return g.board }
func (g *Game) Turn() Mark       { return g.turn }
func (g *Game) Outcome() Outcome { return g.board.Outcome() }

// Move places m on cell, numbered 1 to 9.
func (g *Game) Move(m Mark, cell int) error {
	if g.board.Outcome().Over() {
		return ErrFinished
	}
	if m != g.turn {
		return ErrNotYourTurn
	}
	if cell < 1 || cell > 9 {
		return ErrOutOfRange
	}
	if !g.board.free(cell - 1) {
		return ErrOccupied
	}
	g.board[cell-1] = m
	g.turn = m.Opponent()
	return nil
}

// Play makes the player's move and, unless that ended the game, the computer's
// reply. It returns the reply cell, or 0 when there was none.
func (g *Game) Play(cell int) (int, error) {
	if err := g.Move(X, cell); err != nil {
		return 0, err
	}
	if g.board.Outcome().Over() {
		return 0, nil
	}
	reply := BestMove(g.board, O) + 1
	if err := g.Move(O, reply); err != nil {
		return 0, err
	}
	return reply, nil
}
