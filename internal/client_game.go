package internal

import (
	"errors"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"huddle/internal/game"
)

var (
	gameBoxStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("141")).Padding(0, 2).MarginTop(1)
	gameMarkStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	gameWinStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
)

// runGame handles /game: no argument starts a match, a number 1-9 places X,
// and "quit" ends the match.
func (model *TUIModel) runGame(arg string) {
	switch strings.ToLower(arg) {
	case "", "new":
		model.match = game.New()
		model.addNotice("New game. You are X; type /game <1-9> to move.")
		return
	case "quit", "stop":
		if model.match == nil {
			model.addNotice("No game running.")
			return
		}
		model.match = nil
		model.addNotice("Game closed.")
		return
	}
	if model.match == nil {
		model.addNotice("No game running. Type /game to start one.")
		return
	}
	cell, err := strconv.Atoi(arg)
	if err != nil {
		model.addNotice("Usage: /game [1-9|quit]")
		return
	}
	reply, err := model.match.Play(cell)
	switch {
	case errors.Is(err, game.ErrFinished):
		model.addNotice("This game is over. Type /game for a new one.")
		return
	case err != nil:
		model.addError(strings.TrimPrefix(err.Error(), "game: "))
		return
	}
	if reply > 0 {
		model.addNotice("O takes " + strconv.Itoa(reply))
	}
	if outcome := model.match.Outcome(); outcome.Over() {
		model.addNotice(outcomeText(outcome))
	}
}

func outcomeText(outcome game.Outcome) string {
	switch {
	case outcome.Tie:
		return "It's a tie!"
	case outcome.Winner == game.X:
		return "You win!"
	default:
		return "O wins this one."
	}
}

func (model *TUIModel) renderGame() string {
	if model.match == nil {
		return ""
	}
	board := model.match.Board()
	outcome := board.Outcome()
	winning := map[int]bool{}
	if outcome.Winner != game.Empty {
		for _, i := range outcome.Line {
			winning[i] = true
		}
	}
	rows := make([]string, 0, 5)
	for row := 0; row < 3; row++ {
		if row > 0 {
			rows = append(rows, "---+---+---")
		}
		cells := make([]string, 3)
		for col := range cells {
			i := row*3 + col
			switch {
			case board[i] == game.Empty:
				cells[col] = " " + timestampStyle.Render(strconv.Itoa(i+1)) + " "
			case winning[i]:
				cells[col] = " " + gameWinStyle.Render(string(rune(board[i]))) + " "
			default:
				cells[col] = " " + gameMarkStyle.Render(string(rune(board[i]))) + " "
			}
		}
		rows = append(rows, strings.Join(cells, "|"))
	}
	status := "Your move"
	if outcome.Over() {
		status = outcomeText(outcome)
	}
	rows = append(rows, menuHintStyle.Render(status))
	return gameBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
