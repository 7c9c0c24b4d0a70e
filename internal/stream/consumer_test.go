package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/candlekeep/internal/batch"
	"github.com/candlekeep/candlekeep/internal/config"
	"github.com/candlekeep/candlekeep/internal/models"
)

type recordingStore struct {
	mu   sync.Mutex
	rows []models.Candle
}

func (s *recordingStore) SaveBatch(ctx context.Context, closed, inProgress []models.Candle) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, closed...)
	s.rows = append(s.rows, inProgress...)
	return len(closed) + len(inProgress), nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// ctxHonoringStore refuses writes on a done context, the way a real
// pgx-backed store does.
type ctxHonoringStore struct {
	recordingStore
}

func (s *ctxHonoringStore) SaveBatch(ctx context.Context, closed, inProgress []models.Candle) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.recordingStore.SaveBatch(ctx, closed, inProgress)
}

type staticSymbols struct{}

func (staticSymbols) GetOrCreate(ctx context.Context, name, base, quote string) (int64, error) {
	return 1, nil
}

type staticTimeframes struct{}

func (staticTimeframes) GetTimeframe(ctx context.Context, name string) (*models.Timeframe, error) {
	return &models.Timeframe{ID: 1, Name: name, Seconds: 60}, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newConsumerUnderTest(wsURL string) (*Consumer, *recordingStore) {
	store := &recordingStore{}
	batcher := batch.NewBatcher(store, staticSymbols{}, staticTimeframes{}, nil, 1000, time.Hour, quietLogger())
	consumer := NewConsumer(config.StreamConfig{
		BaseURL:           wsURL,
		ReadTimeout:       "5s",
		PingInterval:      "1s",
		MaxReconnectDelay: "2s",
	}, batcher, quietLogger())
	return consumer, store
}

func wsTestServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stream", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestConsumer_BuildURL(t *testing.T) {
	c, _ := newConsumerUnderTest("wss://example.test")
	assert.Equal(t, "", c.buildURL())

	c.OnUniverseChange([]string{"BTCUSDT", "ETHUSDT"}, []string{"1m", "1h"}, nil, nil)
	url := c.buildURL()
	require.True(t, strings.HasPrefix(url, "wss://example.test/stream?streams="))
	streams := strings.Split(strings.TrimPrefix(url, "wss://example.test/stream?streams="), "/")
	assert.ElementsMatch(t, []string{
		"btcusdt@kline_1m", "btcusdt@kline_1h",
		"ethusdt@kline_1m", "ethusdt@kline_1h",
	}, streams)
}

func TestConsumer_ReceivesAndBuffersKlines(t *testing.T) {
	received := make(chan struct{})
	server := wsTestServer(t, func(conn *websocket.Conn) {
		msg := `{"stream": "btcusdt@kline_1m", "data": {"e": "kline", "s": "BTCUSDT",
			"k": {"t": 1700000000000, "T": 1700000059999, "i": "1m",
			"o": "100", "h": "110", "l": "90", "c": "105", "v": "5", "x": true}}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		<-received
	})

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	consumer, store := newConsumerUnderTest(wsURL)
	consumer.OnUniverseChange([]string{"BTCUSDT"}, []string{"1m"}, []string{"BTCUSDT"}, nil)
	// Drain the pending resubscribe signal so the connection is not
	// immediately torn down.
	select {
	case <-consumer.resubscribe:
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return consumer.Received() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Connected, consumer.State())

	close(received)
	cancel()
	<-done

	// The shutdown flush pushed the buffered update to storage.
	assert.Equal(t, 1, store.count())
	assert.Equal(t, Disconnected, consumer.State())
}

func TestConsumer_ShutdownFlushesWithLiveContext(t *testing.T) {
	received := make(chan struct{})
	server := wsTestServer(t, func(conn *websocket.Conn) {
		msg := `{"stream": "btcusdt@kline_1m", "data": {"e": "kline", "s": "BTCUSDT",
			"k": {"t": 1700000000000, "T": 1700000059999, "i": "1m",
			"o": "100", "h": "110", "l": "90", "c": "105", "v": "5", "x": true}}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		<-received
	})

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	store := &ctxHonoringStore{}
	batcher := batch.NewBatcher(store, staticSymbols{}, staticTimeframes{}, nil, 1000, time.Hour, quietLogger())
	consumer := NewConsumer(config.StreamConfig{
		BaseURL:           wsURL,
		ReadTimeout:       "5s",
		PingInterval:      "1s",
		MaxReconnectDelay: "2s",
	}, batcher, quietLogger())
	consumer.OnUniverseChange([]string{"BTCUSDT"}, []string{"1m"}, nil, nil)
	select {
	case <-consumer.resubscribe:
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return consumer.Received() == 1
	}, 5*time.Second, 10*time.Millisecond)

	close(received)
	cancel()
	<-done

	// The run context is cancelled during shutdown, but the final flush must
	// not carry it: the candle buffered on the last connection still lands.
	assert.Equal(t, 1, store.count())
}

func TestConsumer_CountsParseErrors(t *testing.T) {
	hold := make(chan struct{})
	server := wsTestServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"e": "aggTrade"}`)))
		<-hold
	})

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	consumer, store := newConsumerUnderTest(wsURL)
	consumer.OnUniverseChange([]string{"BTCUSDT"}, []string{"1m"}, nil, nil)
	select {
	case <-consumer.resubscribe:
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return consumer.ParseErrors() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), consumer.Received())

	close(hold)
	cancel()
	<-done
	assert.Equal(t, 0, store.count())
}

func TestConsumer_UniverseChangeForcesReconnect(t *testing.T) {
	server := wsTestServer(t, func(conn *websocket.Conn) {
		// Block until the client closes the connection.
		_, _, _ = conn.ReadMessage()
	})

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	consumer, _ := newConsumerUnderTest(wsURL)
	consumer.OnUniverseChange([]string{"BTCUSDT"}, []string{"1m"}, nil, nil)
	select {
	case <-consumer.resubscribe:
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return consumer.State() == Connected
	}, 5*time.Second, 10*time.Millisecond)

	// Changing the universe forces a drop and a fresh dial.
	consumer.OnUniverseChange([]string{"BTCUSDT", "ETHUSDT"}, []string{"1m"}, []string{"ETHUSDT"}, nil)

	require.Eventually(t, func() bool {
		return consumer.State() == Connected && strings.Contains(consumer.buildURL(), "ethusdt")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
