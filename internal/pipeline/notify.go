package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"retrotrain/internal/config"
)

// completionEvent is the body published once per run, after C3 has
// already durably stored every metric record — a notification for
// external dashboards, not the metrics transport itself.
type completionEvent struct {
	BatchJobID  string    `json:"batch_job_id,omitempty"`
	OutputPath  string    `json:"output_path"`
	RemoteURL   string    `json:"remote_url,omitempty"`
	Completed   time.Time `json:"completed_at"`
	Success     bool      `json:"success"`
	TotalBatch  int       `json:"total_batches"`
	FailedBatch int       `json:"failed_batches"`
}

// notifyClient publishes one completion event per run. Adapted from
// internal/rabbitmq/rabbitmq.go's connect/publish shape, narrowed to the
// one-shot notification S5 needs — no consumer, no reconnect loop, since a
// failed publish here is logged and dropped rather than retried.
type notifyClient struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cfg  config.RabbitMQConfig
}

func newNotifyClient(cfg config.RabbitMQConfig) (*notifyClient, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/%s", cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.VHost)
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &notifyClient{conn: conn, ch: ch, cfg: cfg}, nil
}

func (n *notifyClient) publishCompletion(ev completionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}
	return n.ch.Publish(n.cfg.ExchangeName, n.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

func (n *notifyClient) close() {
	if n.ch != nil {
		n.ch.Close()
	}
	if n.conn != nil {
		n.conn.Close()
	}
}

// notifyCompletion publishes ev to cfg's exchange, best-effort: any
// failure is logged and swallowed, matching S5's UploadFailure policy for
// non-essential side channels.
func notifyCompletion(cfg *config.RabbitMQConfig, ev completionEvent) {
	if cfg == nil {
		return
	}
	client, err := newNotifyClient(*cfg)
	if err != nil {
		log.Warn().Err(err).Msg("training completion notification skipped: connect failed")
		return
	}
	defer client.close()

	if err := client.publishCompletion(ev); err != nil {
		log.Warn().Err(err).Msg("training completion notification failed")
		return
	}
	log.Info().Str("exchange", cfg.ExchangeName).Str("routing_key", cfg.RoutingKey).Msg("training completion notification published")
}
