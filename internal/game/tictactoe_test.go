package game

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func board(s string) Board {
	var b Board
	for i, c := range s {
		switch c {
		case 'X':
			b[i] = X
		case 'O':
			b[i] = O
		}
	}
	return b
}

func TestOutcome(t *testing.T) {
	cases := []struct {
		name  string
		board string
		want  Outcome
	}{
		{"empty", ".........", Outcome{}},
		{"row", "XXXOO....", Outcome{Winner: X, Line: [3]int{0, 1, 2}}},
		{"column", "OX.OX.O..", Outcome{Winner: O, Line: [3]int{0, 3, 6}}},
		{"diagonal", "X.O.XO..X", Outcome{Winner: X, Line: [3]int{0, 4, 8}}},
		{"anti diagonal", "XXO.O.O.X", Outcome{Winner: O, Line: [3]int{2, 4, 6}}},
		{"tie", "XOXXOOOXX", Outcome{Tie: true}},
		{"win on last cell", "XOXOXOOXX", Outcome{Winner: X, Line: [3]int{0, 4, 8}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := board(tc.board).Outcome()
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.want.Winner != Empty || tc.want.Tie, got.Over())
		})
	}
}

func TestBestMove(t *testing.T) {
	cases := []struct {
		name  string
		board string
		want  int
	}{
		{"takes the win over a block", "OO.XX....", 2},
		{"blocks the opponent", "XX..O....", 2},
		{"takes the center", "X........", 4},
		{"takes a corner", "....X....", 0},
		{"takes an edge", "XOX.O.OXO", 3},
		{"full board", "XOXXOOOXX", -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, BestMove(board(tc.board), O))
		})
	}
}

func TestMoveValidation(t *testing.T) {
	g := New()
	require.ErrorIs(t, g.Move(O, 1), ErrNotYourTurn)
	require.ErrorIs(t, g.Move(X, 0), ErrOutOfRange)
	require.ErrorIs(t, g.Move(X, 10), ErrOutOfRange)
	require.NoError(t, g.Move(X, 5))
	require.ErrorIs(t, g.Move(O, 5), ErrOccupied)
	require.Equal(t, O, g.Turn())
}

func TestPlayAgainstComputer(t *testing.T) {
	g := New()

	reply, err := g.Play(1)
	require.NoError(t, err)
	require.Equal(t, 5, reply)

	reply, err = g.Play(2)
	require.NoError(t, err)
	require.Equal(t, 3, reply, "computer blocks the top row")

	reply, err = g.Play(7)
	require.NoError(t, err)
	require.Equal(t, 4, reply, "computer blocks the left column")

	reply, err = g.Play(6)
	require.NoError(t, err)
	require.Equal(t, 9, reply, "no threats left, computer takes the last corner")

	reply, err = g.Play(8)
	require.NoError(t, err)
	require.Zero(t, reply)
	require.True(t, g.Outcome().Tie)

	_, err = g.Play(1)
	require.ErrorIs(t, err, ErrFinished)
}

func TestBoardString(t *testing.T) {
	want := " X | 2 | 3 \n---+---+---\n 4 | O | 6 \n---+---+---\n 7 | 8 | 9 "
	require.Equal(t, want, board("X...O....").String())
}
