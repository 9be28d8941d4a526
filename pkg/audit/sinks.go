package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"

	"scopegate/pkg/models"
)

type sinkDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink appends records to the audit_records table.
type PostgresSink struct {
	DB sinkDB
}

// Schema for the audit table; applied by the deployment's migration step.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT PRIMARY KEY,
	at TIMESTAMPTZ NOT NULL,
	subject TEXT NOT NULL,
	scope TEXT[] NOT NULL,
	query_fingerprint TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason_code TEXT,
	admitted_count INT NOT NULL,
	rejected_count INT NOT NULL,
	rejected_ids TEXT[]
)`

func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_records
		(id, at, subject, scope, query_fingerprint, outcome, reason_code, admitted_count, rejected_count, rejected_ids)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.ID, rec.At, rec.Subject, rolesToStrings(rec.Scope), rec.QueryFingerprint,
		rec.Outcome, rec.ReasonCode, rec.AdmittedCount, rec.RejectedCount, rec.RejectedIDs)
	return err
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes records to a topic for an external monitoring
// consumer, keyed by subject so one caller's trail stays in order.
type KafkaSink struct {
	Writer kafkaWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{Writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

func (s *KafkaSink) Write(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Subject),
		Value: value,
	})
}

// Close flushes the underlying writer when it owns a closable one.
func (s *KafkaSink) Close() error {
	if c, ok := s.Writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// LineSink writes newline-delimited JSON records to a writer (stdout or a
// log file).
type LineSink struct {
	mu sync.Mutex
	W  io.Writer
}

func (s *LineSink) Write(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.W.Write(append(value, '\n'))
	return err
}

func rolesToStrings(roles []models.Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return out
}
