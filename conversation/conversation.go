// Package conversation collects a result request from a chat user one field at a
// time and hands the finished payload to a retrieval job.
package conversation

import (
	"context"
	"errors"

	"grade-vista/internal/types"
	"grade-vista/menu"
)

// EventKind tells free text, button presses and commands apart
type EventKind int

const (
	EventText EventKind = iota
	EventButton
	EventCommand
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventButton:
		return "button"
	case EventCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Event is one inbound message from the messaging gateway. Data holds the text,
// the button key or the command name.
type Event struct {
	ChatID int64
	Kind   EventKind
	Data   string
	Sender string
}

// Gateway sends messages back to a chat
type Gateway interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendMenu(ctx context.Context, chatID int64, text string, m menu.Menu) error
	SendDocument(ctx context.Context, chatID int64, path, caption string) error
}

// Retriever runs one retrieval job for a completed payload
type Retriever interface {
	Retrieve(ctx context.Context, payload types.Payload) (*types.Artifact, error)
}

var (
	// ErrSessionExpired ends a session that waited longer than the idle timeout
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionCancelled ends a session on the user's request
	ErrSessionCancelled = errors.New("session cancelled")
	// ErrSessionPanicked ends a session whose goroutine panicked
	ErrSessionPanicked = errors.New("session panicked")
)

// Commands and buttons understood outside a session
const (
	CommandStart  = "start"
	CommandHelp   = "help"
	CommandResult = "result"
	CommandCancel = "cancel"

	ButtonHelp   = "help"
	ButtonResult = "result"
)

// User-facing texts. Gateway messages are sent with HTML formatting.
const (
	MenuTitle = "<code>&#9; &#9; &#9;Options&#9; &#9; &#9; &#9;</code>"

	HelpMessage = `<b>Grade Vista</b>
Fetches your board examination result and sends it back as a PDF.

/start - show the main menu
/result - look up a result
/cancel - stop the current lookup
/help - show this message

You will be asked for the exam, passing year, board, roll number and registration number.`

	PromptName       = "Whats your name learner?"
	PromptExam       = "<b>Choose Exam </b>"
	PromptYear       = "<b>Input the passing year, Eg: 2010</b>"
	PromptBoard      = "<b>Choose Board</b>"
	PromptRoll       = "<b>Input Your Roll number</b>"
	PromptReg        = "<b>Input your registration number</b>"
	ProcessingFormat = "Processing your response, %s...."
	SuccessMessage   = "Best of luck! 🍀"
	FailureMessage   = "Something went wrong with the server, please try again"
	ExpiredMessage   = "Your session expired. Press <b>Get Your Board Result</b> to start again."
	CancelledMessage = "Cancelled."

	DefaultName = "User"
)
