package conversation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"grade-vista/internal/types"
	"grade-vista/menu"
)

type sentMessage struct {
	ChatID   int64
	Text     string
	Menu     string
	Document string
	Existed  bool
}

type fakeGateway struct {
	mu       sync.Mutex
	sent     []sentMessage
	failDocs bool
}

func (g *fakeGateway) record(m sentMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, m)
}

func (g *fakeGateway) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.record(sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (g *fakeGateway) SendMenu(ctx context.Context, chatID int64, text string, m menu.Menu) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.record(sentMessage{ChatID: chatID, Text: text, Menu: m.Name})
	return nil
}

func (g *fakeGateway) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	_, err := os.Stat(path)
	g.record(sentMessage{ChatID: chatID, Text: caption, Document: path, Existed: err == nil})
	if g.failDocs {
		return errors.New("upload failed")
	}
	return nil
}

func (g *fakeGateway) messages(chatID int64) []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sentMessage
	for _, m := range g.sent {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func (g *fakeGateway) texts(chatID int64) []string {
	var out []string
	for _, m := range g.messages(chatID) {
		if m.Document == "" {
			out = append(out, m.Text)
		}
	}
	return out
}

func (g *fakeGateway) documents(chatID int64) []sentMessage {
	var out []sentMessage
	for _, m := range g.messages(chatID) {
		if m.Document != "" {
			out = append(out, m)
		}
	}
	return out
}

type fakeRetriever struct {
	dir     string
	err     error
	started sync.WaitGroup
	release chan struct{}

	mu       sync.Mutex
	payloads []types.Payload
	jobs     atomic.Int64
}

func (r *fakeRetriever) Retrieve(ctx context.Context, payload types.Payload) (*types.Artifact, error) {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()

	if r.release != nil {
		r.started.Done()
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	job := r.jobs.Add(1)
	base := filepath.Join(r.dir, fmt.Sprintf("%s-job%d", payload.RollNo, job))
	artifact := &types.Artifact{
		JobID:        fmt.Sprintf("job%d", job),
		ImagePath:    base + ".png",
		DocumentPath: base + ".pdf",
		Sheet: &types.ResultSheet{Fields: []types.Field{
			{Label: "Name", Value: "ALICE"},
			{Label: "GPA", Value: "5.00"},
		}},
	}
	if err := os.WriteFile(artifact.ImagePath, []byte("png"), 0644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(artifact.DocumentPath, []byte("%PDF"), 0644); err != nil {
		return nil, err
	}
	return artifact, nil
}

func (r *fakeRetriever) received() []types.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Payload(nil), r.payloads...)
}

func newTestManager(t *testing.T, retriever Retriever, configure ...func(*types.Config)) (*Manager, *fakeGateway) {
	t.Helper()
	config := types.DefaultConfig()
	for _, fn := range configure {
		fn(config)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	gateway := &fakeGateway{}
	m := NewManager(context.Background(), config, logger, gateway, retriever)
	t.Cleanup(m.Close)
	return m, gateway
}

func text(chatID int64, s string) Event {
	return Event{ChatID: chatID, Kind: EventText, Data: s}
}

func button(chatID int64, key string) Event {
	return Event{ChatID: chatID, Kind: EventButton, Data: key}
}

func command(chatID int64, name string) Event {
	return Event{ChatID: chatID, Kind: EventCommand, Data: name}
}

func waitDone(t *testing.T, m *Manager, chatID int64) {
	t.Helper()
	assert.Eventually(t, func() bool {
		_, ok := m.Session(chatID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_EndToEnd(t *testing.T) {
	retriever := &fakeRetriever{dir: t.TempDir()}
	m, gateway := newTestManager(t, retriever)
	ctx := context.Background()
	const chat = int64(42)

	m.Dispatch(ctx, button(chat, ButtonResult))
	_, ok := m.Session(chat)
	require.True(t, ok)

	m.Dispatch(ctx, text(chat, "Alice"))
	m.Dispatch(ctx, button(chat, "ssc"))
	m.Dispatch(ctx, text(chat, "2015"))
	m.Dispatch(ctx, button(chat, "dhaka"))
	m.Dispatch(ctx, text(chat, "123456"))
	m.Dispatch(ctx, text(chat, "7891011"))

	assert.Eventually(t, func() bool {
		texts := gateway.texts(chat)
		return len(texts) > 0 && texts[len(texts)-1] == SuccessMessage
	}, 2*time.Second, 5*time.Millisecond)
	waitDone(t, m, chat)

	require.Len(t, retriever.received(), 1)
	assert.Equal(t, types.Payload{
		ExamName:  "ssc",
		Year:      "2015",
		ExamBoard: "dhaka",
		RollNo:    "123456",
		RegNo:     "7891011",
	}, retriever.received()[0])

	messages := gateway.messages(chat)
	require.Len(t, messages, 9)
	assert.Equal(t, PromptName, messages[0].Text)
	assert.Equal(t, PromptExam, messages[1].Text)
	assert.Equal(t, menu.Exam, messages[1].Menu)
	assert.Equal(t, PromptYear, messages[2].Text)
	assert.Equal(t, PromptBoard, messages[3].Text)
	assert.Equal(t, menu.Board, messages[3].Menu)
	assert.Equal(t, PromptRoll, messages[4].Text)
	assert.Equal(t, PromptReg, messages[5].Text)
	assert.Equal(t, "Processing your response, Alice....", messages[6].Text)
	assert.NotEmpty(t, messages[7].Document)
	assert.True(t, messages[7].Existed)
	assert.Contains(t, messages[7].Text, "ALICE")
	assert.Contains(t, messages[7].Text, "GPA: 5.00")
	assert.Equal(t, SuccessMessage, messages[8].Text)

	// both artifact files are gone after delivery
	doc := messages[7].Document
	_, err := os.Stat(doc)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(doc[:len(doc)-len(".pdf")] + ".png")
	assert.True(t, os.IsNotExist(err))
}

func TestManager_RetrievalFailure(t *testing.T) {
	retriever := &fakeRetriever{
		dir: t.TempDir(),
		err: &types.RetrievalError{Kind: types.FailureTimeout, Step: "result", Err: context.DeadlineExceeded},
	}
	m, gateway := newTestManager(t, retriever)
	ctx := context.Background()
	const chat = int64(7)

	for _, ev := range []Event{
		command(chat, CommandResult),
		text(chat, "Bob"), button(chat, "hsc"), text(chat, "2010"),
		button(chat, "sylhet"), text(chat, "1"), text(chat, "2"),
	} {
		m.Dispatch(ctx, ev)
	}

	assert.Eventually(t, func() bool {
		texts := gateway.texts(chat)
		return len(texts) > 0 && texts[len(texts)-1] == FailureMessage
	}, 2*time.Second, 5*time.Millisecond)
	waitDone(t, m, chat)
	assert.Empty(t, gateway.documents(chat))
}

type panickingRetriever struct {
	calls atomic.Int64
}

func (r *panickingRetriever) Retrieve(ctx context.Context, payload types.Payload) (*types.Artifact, error) {
	r.calls.Add(1)
	panic("nil map in result parser")
}

func TestManager_RetrieverPanicEndsSession(t *testing.T) {
	retriever := &panickingRetriever{}
	m, gateway := newTestManager(t, retriever)
	ctx := context.Background()
	const chat = int64(14)

	for _, ev := range []Event{
		button(chat, ButtonResult),
		text(chat, "Dan"), button(chat, "ssc"), text(chat, "2015"),
		button(chat, "dhaka"), text(chat, "1"), text(chat, "2"),
	} {
		m.Dispatch(ctx, ev)
	}

	assert.Eventually(t, func() bool {
		texts := gateway.texts(chat)
		return len(texts) > 0 && texts[len(texts)-1] == FailureMessage
	}, 2*time.Second, 5*time.Millisecond)
	waitDone(t, m, chat)
	assert.Equal(t, int64(1), retriever.calls.Load())
	assert.Empty(t, gateway.documents(chat))

	// the manager keeps serving the chat
	m.Dispatch(ctx, button(chat, ButtonResult))
	s, ok := m.Session(chat)
	require.True(t, ok)
	assert.Eventually(t, func() bool { return s.Step() == StepAwaitName }, time.Second, 5*time.Millisecond)
}

func TestManager_DocumentSendFailureStillCleansUp(t *testing.T) {
	retriever := &fakeRetriever{dir: t.TempDir()}
	m, gateway := newTestManager(t, retriever)
	gateway.failDocs = true
	ctx := context.Background()
	const chat = int64(8)

	for _, ev := range []Event{
		command(chat, CommandResult),
		text(chat, "Eve"), button(chat, "ssc"), text(chat, "2020"),
		button(chat, "dhaka"), text(chat, "5"), text(chat, "6"),
	} {
		m.Dispatch(ctx, ev)
	}

	waitDone(t, m, chat)
	texts := gateway.texts(chat)
	require.NotEmpty(t, texts)
	assert.Equal(t, FailureMessage, texts[len(texts)-1])
	assert.NotContains(t, texts, SuccessMessage)

	docs := gateway.documents(chat)
	require.Len(t, docs, 1)
	_, err := os.Stat(docs[0].Document)
	assert.True(t, os.IsNotExist(err))
}

func TestManager_WrongKindLeavesFieldEmpty(t *testing.T) {
	retriever := &fakeRetriever{dir: t.TempDir(), err: errors.New("no")}
	m, gateway := newTestManager(t, retriever)
	ctx := context.Background()
	const chat = int64(9)

	for _, ev := range []Event{
		button(chat, ButtonResult),
		button(chat, "not-a-name"),
		text(chat, "ssc typed instead of pressed"),
		text(chat, "2015"),
		button(chat, "dhaka"),
		text(chat, "123456"),
		text(chat, "7891011"),
	} {
		m.Dispatch(ctx, ev)
	}

	waitDone(t, m, chat)
	require.Len(t, retriever.received(), 1)
	payload := retriever.received()[0]
	assert.Empty(t, payload.ExamName)
	assert.Equal(t, "2015", payload.Year)
	assert.Equal(t, "dhaka", payload.ExamBoard)
	assert.Contains(t, gateway.texts(chat), "Processing your response, User....")
}

func TestManager_NameIsEscaped(t *testing.T) {
	retriever := &fakeRetriever{dir: t.TempDir()}
	m, gateway := newTestManager(t, retriever)
	ctx := context.Background()
	const chat = int64(10)

	for _, ev := range []Event{
		button(chat, ButtonResult),
		text(chat, "<b>Mallory</b>"), button(chat, "ssc"), text(chat, "2015"),
		button(chat, "dhaka"), text(chat, "1"), text(chat, "2"),
	} {
		m.Dispatch(ctx, ev)
	}

	waitDone(t, m, chat)
	assert.Contains(t, gateway.texts(chat), "Processing your response, &lt;b&gt;Mallory&lt;/b&gt;....")
}

func TestManager_RoutingOutsideSession(t *testing.T) {
	retriever := &fakeRetriever{dir: t.TempDir()}
	m, gateway := newTestManager(t, retriever)
	ctx := context.Background()
	const chat = int64(11)

	m.Dispatch(ctx, command(chat, CommandStart))
	m.Dispatch(ctx, command(chat, CommandHelp))
	m.Dispatch(ctx, button(chat, ButtonHelp))
	m.Dispatch(ctx, text(chat, "hello?"))
	m.Dispatch(ctx, command(chat, CommandCancel))

	messages := gateway.messages(chat)
	require.Len(t, messages, 3)
	assert.Equal(t, MenuTitle, messages[0].Text)
	assert.Equal(t, menu.Primary, messages[0].Menu)
	assert.Equal(t, HelpMessage, messages[1].Text)
	assert.Equal(t, HelpMessage, messages[2].Text)

	_, ok := m.Session(chat)
	assert.False(t, ok)
}

func TestManager_Cancel(t *testing.T) {
	retriever := &fakeRetriever{dir: t.TempDir()}
	m, gateway := newTestManager(t, retriever)
	ctx := context.Background()
	const chat = int64(12)

	m.Dispatch(ctx, button(chat, ButtonResult))
	m.Dispatch(ctx, text(chat, "Carol"))
	m.Dispatch(ctx, command(chat, CommandCancel))

	waitDone(t, m, chat)
	assert.Contains(t, gateway.texts(chat), CancelledMessage)
	assert.NotContains(t, gateway.texts(chat), ExpiredMessage)
	assert.Empty(t, retriever.received())

	// a new lookup starts from the first prompt
	m.Dispatch(ctx, button(chat, ButtonResult))
	s, ok := m.Session(chat)
	require.True(t, ok)
	assert.Eventually(t, func() bool { return s.Step() == StepAwaitName }, time.Second, 5*time.Millisecond)
}

func TestManager_IdleSessionExpires(t *testing.T) {
	retriever := &fakeRetriever{dir: t.TempDir()}
	m, gateway := newTestManager(t, retriever, func(c *types.Config) {
		c.SessionIdleTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()
	const chat = int64(13)

	m.Dispatch(ctx, button(chat, ButtonResult))

	assert.Eventually(t, func() bool {
		texts := gateway.texts(chat)
		return len(texts) > 0 && texts[len(texts)-1] == ExpiredMessage
	}, 2*time.Second, 5*time.Millisecond)
	waitDone(t, m, chat)
	assert.Empty(t, retriever.received())
}

func TestManager_InputDuringProcessingIsDropped(t *testing.T) {
	retriever := &fakeRetriever{dir: t.TempDir(), release: make(chan struct{})}
	retriever.started.Add(1)
	m, gateway := newTestManager(t, retriever)
	ctx := context.Background()
	const chat = int64(14)

	for _, ev := range []Event{
		button(chat, ButtonResult),
		text(chat, "Dan"), button(chat, "ssc"), text(chat, "2015"),
		button(chat, "dhaka"), text(chat, "1"), text(chat, "2"),
	} {
		m.Dispatch(ctx, ev)
	}
	retriever.started.Wait()

	s, ok := m.Session(chat)
	require.True(t, ok)
	assert.Equal(t, StepProcessing, s.Step())
	m.Dispatch(ctx, text(chat, "are you there?"))
	assert.False(t, s.deliver(text(chat, "again")))

	close(retriever.release)
	waitDone(t, m, chat)
	assert.Equal(t, SuccessMessage, gateway.texts(chat)[len(gateway.texts(chat))-1])
	assert.Len(t, retriever.received(), 1)
}

func TestManager_ConcurrentSameRollNumber(t *testing.T) {
	retriever := &fakeRetriever{dir: t.TempDir(), release: make(chan struct{})}
	retriever.started.Add(2)
	m, gateway := newTestManager(t, retriever)
	ctx := context.Background()
	chats := []int64{100, 200}

	for _, chat := range chats {
		for _, ev := range []Event{
			button(chat, ButtonResult),
			text(chat, "Twin"), button(chat, "ssc"), text(chat, "2015"),
			button(chat, "dhaka"), text(chat, "999999"), text(chat, "1"),
		} {
			m.Dispatch(ctx, ev)
		}
	}

	// both jobs are in flight at once
	retriever.started.Wait()
	close(retriever.release)

	for _, chat := range chats {
		waitDone(t, m, chat)
	}

	first := gateway.documents(chats[0])
	second := gateway.documents(chats[1])
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.True(t, first[0].Existed)
	assert.True(t, second[0].Existed)
	assert.NotEqual(t, first[0].Document, second[0].Document)

	entries, err := os.ReadDir(retriever.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManager_CloseStopsWaitingSessions(t *testing.T) {
	retriever := &fakeRetriever{dir: t.TempDir()}
	m, gateway := newTestManager(t, retriever)
	ctx := context.Background()
	const chat = int64(15)

	m.Dispatch(ctx, button(chat, ButtonResult))
	s, ok := m.Session(chat)
	require.True(t, ok)

	m.Close()

	select {
	case <-s.Done():
	default:
		t.Fatal("session still running after Close")
	}
	assert.NotContains(t, gateway.texts(chat), ExpiredMessage)

	// no new sessions after Close
	m.Dispatch(ctx, button(chat, ButtonResult))
	_, ok = m.Session(chat)
	assert.False(t, ok)
}
