package interaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianhq/researchkit/internal/models"
)

// fakeService scripts start/resolve verdicts and records every call.
type fakeService struct {
	mu         sync.Mutex
	startRes   StartResult
	startErr   error
	resolveRes []ResolveResult
	resolveErr error
	starts     []StartRequest
	resolves   []ResolveRequest
}

func (f *fakeService) StartInteraction(_ context.Context, req StartRequest) (StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	return f.startRes, f.startErr
}

func (f *fakeService) ResolveInteraction(_ context.Context, req ResolveRequest) (ResolveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves = append(f.resolves, req)
	if f.resolveErr != nil {
		return ResolveResult{}, f.resolveErr
	}
	res := ResolveResult{}
	if len(f.resolveRes) > 0 {
		res = f.resolveRes[0]
		f.resolveRes = f.resolveRes[1:]
	}
	return res, nil
}

func (f *fakeService) resolveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resolves)
}

type fakeSessionSubs struct {
	subs   []string
	unsubs []string
}

func (f *fakeSessionSubs) SubscribeToSession(id string)     { f.subs = append(f.subs, id) }
func (f *fakeSessionSubs) UnsubscribeFromSession(id string) { f.unsubs = append(f.unsubs, id) }

type pipelineRecorder struct {
	queries []models.PendingAutoQuery
	options []models.PipelineOptions
	err     error
}

func (p *pipelineRecorder) run(_ context.Context, q models.PendingAutoQuery, opts models.PipelineOptions) error {
	p.queries = append(p.queries, q)
	p.options = append(p.options, opts)
	return p.err
}

func cardWithRecommendation() *models.ClarificationCard {
	return &models.ClarificationCard{
		SessionID:      "s1",
		Question:       "which subfield?",
		TimeoutSeconds: 5,
		Options: []models.ClarificationOption{
			{ID: "o1", Title: "Broad survey"},
			{ID: "o2", Title: "Focused", IsRecommended: true,
				Metadata: map[string]interface{}{"keywords": []interface{}{"qft", "lattice"}}},
		},
	}
}

func newTestMachine(svc Service, subs SessionSubscriptions, opts ...Option) *Machine {
	opts = append([]Option{WithClock(nil)}, opts...)
	return NewMachine(svc, subs, zap.NewNop(), opts...)
}

func startDialogue(t *testing.T, m *Machine, svc *fakeService) {
	t.Helper()
	card, err := m.Start(context.Background(), StartRequest{Query: "quantum batteries", ProjectID: 3, Mode: models.ModeAuto})
	require.NoError(t, err)
	require.NotNil(t, card)
}

func TestStartPresentsCard(t *testing.T) {
	svc := &fakeService{startRes: StartResult{SessionID: "s1", RequiresClarification: true, Card: cardWithRecommendation()}}
	subs := &fakeSessionSubs{}
	m := newTestMachine(svc, subs)

	startDialogue(t, m, svc)

	assert.Equal(t, StateCardPresented, m.State())
	assert.Equal(t, []string{"s1"}, subs.subs)
	assert.Equal(t, 5, m.Remaining())
	require.NotNil(t, m.Pending())
	assert.Equal(t, "quantum batteries", m.Pending().Query)
}

func TestStartScopeNotReady(t *testing.T) {
	svc := &fakeService{}
	m := newTestMachine(svc, nil, WithScopeChecker(func(int) error { return ErrScopeNotReady }))

	_, err := m.Start(context.Background(), StartRequest{Query: "q", ProjectID: 1})
	assert.ErrorIs(t, err, ErrScopeNotReady)
	assert.Empty(t, svc.starts, "precondition failure must not reach the network")
	assert.Equal(t, StateIdle, m.State())
}

func TestStartImmediateResolution(t *testing.T) {
	svc := &fakeService{startRes: StartResult{SessionID: "s1", RequiresClarification: false}}
	m := newTestMachine(svc, nil)

	card, err := m.Start(context.Background(), StartRequest{Query: "q"})
	require.NoError(t, err)
	assert.Nil(t, card)
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Pending())
}

func TestStartServiceError(t *testing.T) {
	svc := &fakeService{startErr: errors.New("backend down")}
	m := newTestMachine(svc, nil)

	_, err := m.Start(context.Background(), StartRequest{Query: "q"})
	assert.Error(t, err)
	assert.Equal(t, StateIdle, m.State())
}

func TestCountdownAutoSelectsRecommended(t *testing.T) {
	svc := &fakeService{startRes: StartResult{SessionID: "s1", RequiresClarification: true, Card: cardWithRecommendation()}}
	pipe := &pipelineRecorder{}
	m := newTestMachine(svc, &fakeSessionSubs{})
	m.SetPipelineRunner(pipe.run)
	startDialogue(t, m, svc)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		m.Tick(ctx)
	}
	assert.Equal(t, 1, m.Remaining())
	assert.Equal(t, 0, svc.resolveCount(), "countdown must not fire early")

	m.Tick(ctx)
	require.Equal(t, 1, svc.resolveCount())
	assert.Equal(t, "o2", svc.resolves[0].OptionID)
	assert.True(t, svc.resolves[0].TimedOut)

	// The deferred query ran exactly once with option-derived parameters.
	require.Len(t, pipe.queries, 1)
	assert.Equal(t, "quantum batteries", pipe.queries[0].Query)
	assert.Equal(t, []string{"qft", "lattice"}, pipe.options[0].Keywords)
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Pending())

	// Ticks after resolution are inert.
	m.Tick(ctx)
	assert.Equal(t, 1, svc.resolveCount())
}

func TestTimeoutWithoutRecommendationExpires(t *testing.T) {
	card := cardWithRecommendation()
	card.Options[1].IsRecommended = false
	svc := &fakeService{startRes: StartResult{SessionID: "s1", RequiresClarification: true, Card: card}}
	pipe := &pipelineRecorder{}
	m := newTestMachine(svc, &fakeSessionSubs{})
	m.SetPipelineRunner(pipe.run)
	startDialogue(t, m, svc)

	require.NoError(t, m.HandleTimeout(context.Background()))

	assert.Equal(t, 0, svc.resolveCount(), "expiry is local, not a server resolution")
	assert.Nil(t, m.Card())
	assert.Equal(t, StateIdle, m.State())
	assert.NotNil(t, m.Pending(), "the deferred query survives an expiry")
	assert.Empty(t, pipe.queries)

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, OutcomeExpired, history[0].Outcome)
}

func TestSelectOptionChainsToNextCard(t *testing.T) {
	next := &models.ClarificationCard{Question: "how deep?", TimeoutSeconds: 3,
		Options: []models.ClarificationOption{{ID: "n1", Title: "Shallow", IsRecommended: true}}}
	svc := &fakeService{
		startRes:   StartResult{SessionID: "s1", RequiresClarification: true, Card: cardWithRecommendation()},
		resolveRes: []ResolveResult{{NextCard: next}, {}},
	}
	pipe := &pipelineRecorder{}
	subs := &fakeSessionSubs{}
	m := newTestMachine(svc, subs)
	m.SetPipelineRunner(pipe.run)
	startDialogue(t, m, svc)

	require.NoError(t, m.SelectOption(context.Background(), "o1"))
	assert.Equal(t, StateCardPresented, m.State())
	require.NotNil(t, m.Card())
	assert.Equal(t, "how deep?", m.Card().Question)
	assert.Equal(t, "s1", m.Card().SessionID, "chained card inherits the session")
	assert.Equal(t, 3, m.Remaining())
	assert.Empty(t, pipe.queries, "pipeline waits for the final resolution")

	require.NoError(t, m.SelectOption(context.Background(), "n1"))
	assert.Equal(t, StateIdle, m.State())
	require.Len(t, pipe.queries, 1)
	assert.Equal(t, []string{"s1"}, subs.unsubs)

	history := m.History()
	require.Len(t, history, 2)
	assert.Equal(t, "which subfield?", history[0].Question)
	assert.Equal(t, "how deep?", history[1].Question)
}

func TestResolveFailureKeepsCardAndPending(t *testing.T) {
	svc := &fakeService{
		startRes:   StartResult{SessionID: "s1", RequiresClarification: true, Card: cardWithRecommendation()},
		resolveErr: errors.New("transient"),
	}
	pipe := &pipelineRecorder{}
	m := newTestMachine(svc, &fakeSessionSubs{})
	m.SetPipelineRunner(pipe.run)
	startDialogue(t, m, svc)

	err := m.SelectOption(context.Background(), "o1")
	assert.Error(t, err)
	assert.Equal(t, StateCardPresented, m.State())
	assert.NotNil(t, m.Card())
	assert.NotNil(t, m.Pending())
	assert.Empty(t, pipe.queries)
	assert.Empty(t, m.History(), "a failed attempt is not a resolution")

	// Retry succeeds once the backend recovers.
	svc.mu.Lock()
	svc.resolveErr = nil
	svc.mu.Unlock()
	require.NoError(t, m.SelectOption(context.Background(), "o1"))
	assert.Len(t, pipe.queries, 1)
}

func TestSubmitCustomInput(t *testing.T) {
	svc := &fakeService{startRes: StartResult{SessionID: "s1", RequiresClarification: true, Card: cardWithRecommendation()}}
	pipe := &pipelineRecorder{}
	m := newTestMachine(svc, &fakeSessionSubs{})
	m.SetPipelineRunner(pipe.run)
	startDialogue(t, m, svc)

	require.NoError(t, m.SubmitCustomInput(context.Background(), "only post-2020 work"))
	require.Equal(t, 1, svc.resolveCount())
	assert.Equal(t, "only post-2020 work", svc.resolves[0].CustomInput)
	assert.Empty(t, svc.resolves[0].OptionID)

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, OutcomeCustom, history[0].Outcome)
	require.Len(t, pipe.options, 1)
	assert.Empty(t, pipe.options[0].Keywords, "custom input carries no option metadata")
}

func TestSelectDerivesConfigFromMetadata(t *testing.T) {
	card := cardWithRecommendation()
	card.Options[1].Metadata = map[string]interface{}{
		"keywords": "qft, lattice",
		"agent":    "scout",
		"depth":    float64(2),
	}
	svc := &fakeService{startRes: StartResult{SessionID: "s1", RequiresClarification: true, Card: card}}
	pipe := &pipelineRecorder{}
	m := newTestMachine(svc, &fakeSessionSubs{})
	m.SetPipelineRunner(pipe.run)
	startDialogue(t, m, svc)

	require.NoError(t, m.SelectOption(context.Background(), "o2"))
	require.Len(t, pipe.options, 1)
	opts := pipe.options[0]
	assert.Equal(t, []string{"qft", "lattice"}, opts.Keywords)
	assert.Equal(t, "scout", opts.Agent)
	assert.Equal(t, map[string]interface{}{"depth": float64(2)}, opts.Config)
}

func TestResolveWithoutCard(t *testing.T) {
	m := newTestMachine(&fakeService{}, nil)
	assert.ErrorIs(t, m.SelectOption(context.Background(), "o1"), ErrNoActiveCard)
	assert.ErrorIs(t, m.SubmitCustomInput(context.Background(), "x"), ErrNoActiveCard)
	assert.ErrorIs(t, m.HandleTimeout(context.Background()), ErrNoActiveCard)
}

func TestDismissDropsPending(t *testing.T) {
	svc := &fakeService{startRes: StartResult{SessionID: "s1", RequiresClarification: true, Card: cardWithRecommendation()}}
	subs := &fakeSessionSubs{}
	m := newTestMachine(svc, subs)
	startDialogue(t, m, svc)

	m.Dismiss()
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Card())
	assert.Nil(t, m.Pending())
	assert.Equal(t, []string{"s1"}, subs.unsubs)

	// Dismissing twice is harmless.
	m.Dismiss()
	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, OutcomeDismissed, history[0].Outcome)
}

func TestNewDialogueSupersedesCurrentCard(t *testing.T) {
	svc := &fakeService{startRes: StartResult{SessionID: "s1", RequiresClarification: true, Card: cardWithRecommendation()}}
	m := newTestMachine(svc, &fakeSessionSubs{})
	startDialogue(t, m, svc)

	svc.mu.Lock()
	second := cardWithRecommendation()
	second.SessionID = "s2"
	svc.startRes = StartResult{SessionID: "s2", RequiresClarification: true, Card: second}
	svc.mu.Unlock()

	card, err := m.Start(context.Background(), StartRequest{Query: "different question", ProjectID: 3})
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, "s2", card.SessionID)
	assert.Equal(t, "different question", m.Pending().Query)

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, OutcomeDismissed, history[0].Outcome)
}

func TestPresentCardReplacesActiveCard(t *testing.T) {
	m := newTestMachine(&fakeService{}, &fakeSessionSubs{})

	m.PresentCard(models.ClarificationCard{SessionID: "p1", Question: "first", TimeoutSeconds: 5})
	m.PresentCard(models.ClarificationCard{SessionID: "p1", Question: "second", TimeoutSeconds: 7})
	require.NotNil(t, m.Card())
	assert.Equal(t, "second", m.Card().Question)
	assert.Equal(t, 7, m.Remaining())
}

func TestHistoryIsBounded(t *testing.T) {
	svc := &fakeService{startRes: StartResult{SessionID: "s1", RequiresClarification: true, Card: cardWithRecommendation()}}
	m := newTestMachine(svc, &fakeSessionSubs{})

	for i := 0; i < 25; i++ {
		m.PresentCard(models.ClarificationCard{
			SessionID: "s1",
			Question:  fmt.Sprintf("q%d", i),
		})
		m.Dismiss()
	}

	history := m.History()
	require.Len(t, history, 20)
	assert.Equal(t, "q5", history[0].Question)
	assert.Equal(t, "q24", history[19].Question)
}

func TestResetClearsEverything(t *testing.T) {
	svc := &fakeService{startRes: StartResult{SessionID: "s1", RequiresClarification: true, Card: cardWithRecommendation()}}
	m := newTestMachine(svc, &fakeSessionSubs{})
	startDialogue(t, m, svc)

	m.Reset()
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Card())
	assert.Nil(t, m.Pending())
	assert.Empty(t, m.History())
	assert.Equal(t, 0, m.Remaining())
}
