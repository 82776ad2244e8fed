package naibot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"
)

// waitTimeout bounds how long tests wait on background goroutines
const waitTimeout = 5 * time.Second

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     slog.LevelDebug,
				AddSource: true,
			},
		),
	).With("test", t.Name())
}

func testQueueConfig() *QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.SinkTimeout = time.Second
	cfg.ResultTimeout = 5 * time.Second
	return cfg
}

func testPayload(prompt string) Txt2ImgPayload {
	p := DefaultTxt2ImgPayload()
	p.Prompt = prompt
	p.Seed = 1234
	return p
}

// recordingSink keeps every event sent to it
type recordingSink struct {
	mu       sync.Mutex
	events   []JobEvent
	terminal chan JobEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{terminal: make(chan JobEvent, 8)}
}

func (s *recordingSink) Send(_ context.Context, ev JobEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if ev.Kind.Terminal() {
		s.terminal <- ev
	}
	return nil
}

func (s *recordingSink) Events() []JobEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	rv := make([]JobEvent, len(s.events))
	copy(rv, s.events)
	return rv
}

func (s *recordingSink) Kinds() []EventKind {
	events := s.Events()
	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (s *recordingSink) Positions() []int {
	var positions []int
	for _, ev := range s.Events() {
		if ev.Kind == EventPositionUpdate {
			positions = append(positions, ev.Position)
		}
	}
	return positions
}

// LastPosition returns the most recent position delivered, or 0
func (s *recordingSink) LastPosition() int {
	positions := s.Positions()
	if len(positions) == 0 {
		return 0
	}
	return positions[len(positions)-1]
}

func (s *recordingSink) TerminalCount() int {
	n := 0
	for _, ev := range s.Events() {
		if ev.Kind.Terminal() {
			n++
		}
	}
	return n
}

// WaitTerminal waits for the job's terminal event
func (s *recordingSink) WaitTerminal(t testing.TB) JobEvent {
	t.Helper()
	select {
	case ev := <-s.terminal:
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for terminal event, saw: %v", s.Kinds())
		return JobEvent{}
	}
}

// fakeGenerator returns results from fn, recording the payloads it
// was called with.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   []Payload
	fn      func(ctx context.Context, call int, payload Payload) (*GenerationResult, error)
	closed  bool
	started chan Payload
}

func newFakeGenerator(
	fn func(ctx context.Context, call int, payload Payload) (*GenerationResult, error),
) *fakeGenerator {
	return &fakeGenerator{fn: fn, started: make(chan Payload, 32)}
}

func succeedingGenerator() *fakeGenerator {
	return newFakeGenerator(
		func(_ context.Context, _ int, payload Payload) (*GenerationResult, error) {
			return &GenerationResult{Image: []byte("png"), Filename: "out.png", Model: string(payload.Kind())}, nil
		},
	)
}

// blockingGenerator blocks every call until release is closed or ctx
// is done.
func blockingGenerator(release <-chan struct{}) *fakeGenerator {
	return newFakeGenerator(
		func(ctx context.Context, _ int, _ Payload) (*GenerationResult, error) {
			select {
			case <-release:
				return &GenerationResult{Image: []byte("png"), Filename: "out.png"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	)
}

func (g *fakeGenerator) Generate(ctx context.Context, payload Payload) (*GenerationResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, payload)
	call := len(g.calls)
	g.mu.Unlock()

	select {
	case g.started <- payload:
	default:
	}
	return g.fn(ctx, call, payload)
}

func (g *fakeGenerator) CloseIdleConnections() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

func (g *fakeGenerator) Calls() []Payload {
	g.mu.Lock()
	defer g.mu.Unlock()
	rv := make([]Payload, len(g.calls))
	copy(rv, g.calls)
	return rv
}

func (g *fakeGenerator) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// WaitStarted waits for the generator to be called
func (g *fakeGenerator) WaitStarted(t testing.TB) Payload {
	t.Helper()
	select {
	case p := <-g.started:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for generator call")
		return nil
	}
}

// fakeStatsRecorder collects generation records in memory
type fakeStatsRecorder struct {
	mu      sync.Mutex
	records []*GenerationRecord
}

func (r *fakeStatsRecorder) RecordGeneration(_ context.Context, rec *GenerationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeStatsRecorder) Records() []*GenerationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rv := make([]*GenerationRecord, len(r.records))
	copy(rv, r.records)
	return rv
}

func newTestDispatcher(
	t testing.TB,
	config *QueueConfig,
	generator Generator,
	opts ...DispatcherOption,
) *Dispatcher {
	t.Helper()
	opts = append([]DispatcherOption{WithDispatcherLogger(testLogger(t))}, opts...)
	d := NewDispatcher(config, generator, opts...)
	t.Cleanup(
		func() {
			_ = d.Stop(0)
		},
	)
	return d
}

// mockInteractionHandler is an [InteractionHandler] that records edits
type mockInteractionHandler struct {
	mock.Mock
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	mu    sync.Mutex
	edits []*discordgo.WebhookEdit
}

func newMockInteractionHandler(
	t testing.TB,
	i *discordgo.InteractionCreate,
) *mockInteractionHandler {
	t.Helper()
	return &mockInteractionHandler{interaction: i, logger: testLogger(t)}
}

func (m *mockInteractionHandler) Respond(
	ctx context.Context,
	i *discordgo.InteractionResponse,
) error {
	args := m.Called(ctx, i)
	return args.Error(0)
}

func (m *mockInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, e)
	msg := &discordgo.Message{}
	if e.Content != nil {
		msg.Content = *e.Content
	}
	return msg, nil
}

func (m *mockInteractionHandler) Delete(context.Context, ...discordgo.RequestOption) {}

func (m *mockInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return m.interaction
}

func (m *mockInteractionHandler) Logger() *slog.Logger {
	return m.logger
}

func (m *mockInteractionHandler) Edits() []*discordgo.WebhookEdit {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make([]*discordgo.WebhookEdit, len(m.edits))
	copy(rv, m.edits)
	return rv
}

// LastContent returns the content of the most recent edit
func (m *mockInteractionHandler) LastContent() string {
	edits := m.Edits()
	if len(edits) == 0 {
		return ""
	}
	last := edits[len(edits)-1]
	if last.Content == nil {
		return ""
	}
	return *last.Content
}

// mockDiscordSession implements [DiscordSessionHandler] without a
// connection to discord, recording calls made to it
type mockDiscordSession struct {
	DiscordSessionHandler

	mu         sync.Mutex
	Calls      []string
	LastStatus string
	Commands   []*discordgo.ApplicationCommand
	Messages   []string
	Responses  []*discordgo.InteractionResponse
	Edits      []*discordgo.WebhookEdit
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.record("InteractionRespond")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.record("InteractionResponseEdit")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Edits = append(m.Edits, e)
	msg := &discordgo.Message{}
	if e.Content != nil {
		msg.Content = *e.Content
	}
	return msg, nil
}

func (m *mockDiscordSession) InteractionResponseDelete(
	*discordgo.Interaction,
	...discordgo.RequestOption,
) error {
	m.record("InteractionResponseDelete")
	return nil
}

// EditContents returns the content of every interaction response edit
func (m *mockDiscordSession) EditContents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rv []string
	for _, e := range m.Edits {
		if e.Content != nil {
			rv = append(rv, *e.Content)
		}
	}
	return rv
}

func (m *mockDiscordSession) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

func (m *mockDiscordSession) Open() error {
	m.record("Open")
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.record("Close")
	return nil
}

func (m *mockDiscordSession) SetIdentify(discordgo.Identify) {
	m.record("SetIdentify")
}

func (m *mockDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

func (m *mockDiscordSession) HTTPClient() *http.Client {
	return http.DefaultClient
}

func (m *mockDiscordSession) AddHandler(any) func() {
	m.record("AddHandler")
	return func() {}
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.record("UpdateCustomStatus")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastStatus = status
	return nil
}

func (m *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	m.record("UpdateStatusComplex")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastStatus = data.Status
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	_ string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.record("ChannelMessageSend")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, content)
	return &discordgo.Message{Content: content}, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.record("ApplicationCommandBulkOverwrite")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Commands = commands
	return commands, nil
}

func (m *mockDiscordSession) CallCount(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == call {
			n++
		}
	}
	return n
}

// waitPositions waits for the queue's pending position updates to be
// delivered
func waitPositions(t testing.TB, q *JobQueue) {
	t.Helper()
	requireEventually(t, q.notifier.idle, "position updates were not delivered")
}

func requireEventually(t testing.TB, condition func() bool, msg string) {
	t.Helper()
	require.Eventually(t, condition, waitTimeout, 5*time.Millisecond, msg)
}
