package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"replybot/pkg/bus"
	"replybot/pkg/channel"
	"replybot/pkg/channel/loopback"
	"replybot/pkg/conversation"
	"replybot/pkg/dispatch"
	"replybot/pkg/normalize"
	"replybot/pkg/pipeline"
	providertypes "replybot/pkg/provider/types"
	"replybot/pkg/reply"
	"replybot/pkg/retrieval"

	"github.com/stretchr/testify/require"
)

type recordingCompleter struct {
	mu sync.Mutex

	healthErr error
	inputs    []string
	histories [][]providertypes.Message
}

func (c *recordingCompleter) Health(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthErr
}

func (c *recordingCompleter) setHealthErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthErr = err
}

func (c *recordingCompleter) Complete(_ context.Context, prompt providertypes.Prompt, _ providertypes.SamplingConfig) (providertypes.PromptResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, prompt.Input)
	c.histories = append(c.histories, prompt.History)
	return providertypes.PromptResult{Text: "ok:" + prompt.Input}, nil
}

func (c *recordingCompleter) snapshot() ([]string, [][]providertypes.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inputs := append([]string(nil), c.inputs...)
	histories := append([][]providertypes.Message(nil), c.histories...)
	return inputs, histories
}

// scriptedAdapter plays raw payloads into the gateway like a polling transport.
type scriptedAdapter struct {
	name     string
	payloads []string
	done     chan struct{}
}

func (a *scriptedAdapter) Name() string {
	return a.name
}

func (a *scriptedAdapter) Run(ctx context.Context, handler channel.Handler) error {
	for i, payload := range a.payloads {
		event := bus.InboundEvent{
			ID:         fmt.Sprintf("%s-%d", a.name, i),
			Channel:    a.name,
			Payload:    []byte(payload),
			ReceivedAt: time.Now().UTC(),
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
	}
	close(a.done)

	<-ctx.Done()
	return nil
}

type failingAdapter struct{}

func (failingAdapter) Name() string { return "broken" }

func (failingAdapter) Run(context.Context, channel.Handler) error {
	return errors.New("transport exploded")
}

type harness struct {
	svc       *Service
	bus       *bus.MessageBus
	sender    *loopback.Sender
	completer *recordingCompleter
	port      int
}

func newHarness(t *testing.T, opts Options, adapters ...channel.Adapter) *harness {
	t.Helper()

	completer := &recordingCompleter{}
	generator, err := reply.NewGenerator(completer, reply.Options{FallbackText: "We will get back to you."}, slogDiscard())
	require.NoError(t, err)

	searcher := retrieval.SearcherFunc(func(context.Context, string, int) ([]retrieval.Passage, error) {
		return []retrieval.Passage{{Text: "Opening hours are 9 to 5.", Score: 0.8}}, nil
	})

	sender := loopback.New("")
	mb := bus.NewMessageBusWithSize(16)
	t.Cleanup(mb.Close)

	orchestrator, err := pipeline.New(pipeline.Deps{
		Normalizer:    normalize.New("52"),
		Retriever:     retrieval.NewRetriever(searcher, retrieval.Options{TopK: 2}, slogDiscard()),
		Generator:     generator,
		Conversations: conversation.NewMemoryStore(conversation.Options{MaxTurns: 10}),
		Dispatcher: dispatch.New(channel.NewRouter(loopback.Name, sender), dispatch.Options{
			Dedupe: dispatch.NewMemoryDedupe(time.Hour),
		}, slogDiscard()),
		Bus: mb,
	}, pipeline.Options{Timeout: 5 * time.Second}, slogDiscard())
	require.NoError(t, err)

	opts.Host = "127.0.0.1"
	opts.Port = freeTCPPort(t)
	svc, err := NewService(opts, Deps{Bus: mb, Processor: orchestrator, Provider: completer, Adapters: adapters}, slogDiscard())
	require.NoError(t, err)

	return &harness{svc: svc, bus: mb, sender: sender, completer: completer, port: opts.Port}
}

func (h *harness) url(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", h.port, path)
}

func (h *harness) run(t *testing.T, ctx context.Context) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.svc.Run(ctx)
	}()
	return errCh
}

func waitRunExit(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
		return nil
	}
}

func TestGatewayServiceRunE2EAdapterConversationContinuity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := &scriptedAdapter{
		name: loopback.Name,
		payloads: []string{
			`{"text":"one","from":"5512345678","messageId":"m1"}`,
			`{"text":"two","from":"5512345678","messageId":"m2"}`,
			`{"text":"three","from":"5587654321","messageId":"m3"}`,
		},
		done: make(chan struct{}),
	}
	h := newHarness(t, Options{Workers: 1, DisableWebhook: true}, adapter)
	errCh := h.run(t, ctx)

	select {
	case <-adapter.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for adapter scripted messages")
	}
	require.Eventually(t, func() bool { return len(h.sender.Deliveries()) == 3 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, waitRunExit(t, errCh))

	inputs, histories := h.completer.snapshot()
	require.Equal(t, []string{"one", "two", "three"}, inputs)
	require.Empty(t, histories[0])
	require.Len(t, histories[1], 2, "second message from the same sender sees the first exchange")
	require.Equal(t, "one", histories[1][0].Text)
	require.Equal(t, "ok:one", histories[1][1].Text)
	require.Empty(t, histories[2], "a different sender starts a fresh conversation")

	deliveries := h.sender.Deliveries()
	require.Equal(t, "+525512345678", deliveries[0].Recipient)
	require.Equal(t, "ok:one", deliveries[0].Text)
	require.Equal(t, "ok:two", deliveries[1].Text)
	require.Equal(t, "+525587654321", deliveries[2].Recipient)
}

func TestGatewayServiceRunE2EWebhookRedeliveryRepliesOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, Options{Workers: 2})
	events, unsubscribe := h.bus.SubscribeEvents(ctx, 32)
	defer unsubscribe()
	errCh := h.run(t, ctx)

	readyURL := h.url("/readyz")
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, readyURL, 2*time.Second))

	body := []byte(`{"messageBody":"Hola","from":"5215512345678","messageId":"wamid-1"}`)
	for range 2 {
		response, err := http.Post(h.url("/webhook"), "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		require.Equal(t, http.StatusAccepted, response.StatusCode)
		require.NoError(t, response.Body.Close())
	}

	completed := 0
	deadline := time.After(3 * time.Second)
	for completed < 2 {
		select {
		case ev := <-events:
			if ev.Type == bus.EventPipelineCompleted {
				completed++
			}
		case <-deadline:
			t.Fatal("timed out waiting for pipeline completion events")
		}
	}

	deliveries := h.sender.Deliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, "+5215512345678", deliveries[0].Recipient)
	require.Equal(t, "ok:Hola", deliveries[0].Text)

	cancel()
	require.NoError(t, waitRunExit(t, errCh))
}

func TestGatewayServiceRunE2EUnknownShapeIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, Options{Workers: 1})
	events, unsubscribe := h.bus.SubscribeEvents(ctx, 8)
	defer unsubscribe()
	errCh := h.run(t, ctx)

	require.Equal(t, http.StatusOK, waitHTTPStatus(t, h.url("/healthz"), 2*time.Second))

	response, err := http.Post(h.url("/webhook"), "application/json", bytes.NewReader([]byte(`{"body":"hi","sender":"1"}`)))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, response.StatusCode)
	require.NoError(t, response.Body.Close())

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != bus.EventPipelineAborted {
				continue
			}
			inputs, _ := h.completer.snapshot()
			require.Empty(t, inputs)
			require.Empty(t, h.sender.Deliveries())

			cancel()
			require.NoError(t, waitRunExit(t, errCh))
			return
		case <-deadline:
			t.Fatal("timed out waiting for aborted event")
		}
	}
}

func TestGatewayServiceReadyzTransitionsOnProviderHealthRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, Options{})
	errCh := h.run(t, ctx)

	readyURL := h.url("/readyz")
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, readyURL, 2*time.Second))

	h.completer.setHealthErr(fmt.Errorf("temporary provider outage"))
	require.Error(t, h.svc.checkProviderHealth(context.Background()))
	require.Equal(t, http.StatusServiceUnavailable, waitHTTPStatus(t, readyURL, 2*time.Second))

	h.completer.setHealthErr(nil)
	require.NoError(t, h.svc.checkProviderHealth(context.Background()))
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, readyURL, 2*time.Second))

	cancel()
	require.NoError(t, waitRunExit(t, errCh))
}

func TestGatewayServiceRunReturnsAdapterFailure(t *testing.T) {
	h := newHarness(t, Options{}, failingAdapter{})

	err := waitRunExit(t, h.run(t, context.Background()))
	require.Error(t, err)
	require.Contains(t, err.Error(), "transport exploded")
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
