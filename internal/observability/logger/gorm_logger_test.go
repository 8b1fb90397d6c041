package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestDescribeSQL(t *testing.T) {
	locked := describeSQL(`SELECT * FROM "invoices" WHERE id = 1 FOR UPDATE`)
	assert.Equal(t, sqlStatement{operation: "SELECT", table: "invoices", locking: true}, locked)

	insert := describeSQL(`INSERT INTO payment_retries (invoice_id, attempt_number) VALUES (1, 2)`)
	assert.Equal(t, sqlStatement{operation: "INSERT", table: "payment_retries"}, insert)

	update := describeSQL(` update subscriptions set status = 'CLOSED'`)
	assert.Equal(t, sqlStatement{operation: "UPDATE", table: "subscriptions"}, update)

	assert.Equal(t, sqlStatement{operation: "UNKNOWN"}, describeSQL(""))
}

func TestGormLoggerTraceLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(zap.New(core), GormLoggerConfig{
		Level:                gormlogger.Warn,
		SlowThreshold:        10 * time.Millisecond,
		IgnoreRecordNotFound: true,
	})
	query := func() (string, int64) { return "SELECT * FROM invoices", 1 }

	l.Trace(context.Background(), time.Now(), query, gormlogger.ErrRecordNotFound)
	assert.Equal(t, 0, logs.Len())

	l.Trace(context.Background(), time.Now(), query, errors.New("boom"))
	assert.Equal(t, 1, logs.FilterMessage("gorm.query").FilterLevelExact(zapcore.ErrorLevel).Len())

	l.Trace(context.Background(), time.Now().Add(-time.Second), query, nil)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())

	l.Trace(context.Background(), time.Now(), query, nil)
	assert.Equal(t, 2, logs.Len())

	entry := logs.All()[0].ContextMap()
	assert.Equal(t, "invoices", entry["table"])
	assert.Equal(t, "SELECT", entry["operation"])
}

func TestGormLoggerLogModeCopies(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := NewGormLogger(zap.New(core), DefaultGormLoggerConfig())
	verbose := base.LogMode(gormlogger.Info)

	query := func() (string, int64) { return "SELECT 1", -1 }
	base.Trace(context.Background(), time.Now(), query, nil)
	assert.Equal(t, 0, logs.Len())

	verbose.Trace(context.Background(), time.Now(), query, nil)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.DebugLevel).Len())
	_, hasRows := logs.All()[0].ContextMap()["rows_affected"]
	assert.False(t, hasRows)
}

func TestGormLoggerParamsFilterDropsValues(t *testing.T) {
	l := NewGormLogger(zap.NewNop(), DefaultGormLoggerConfig())
	sql, params := l.ParamsFilter(context.Background(), "SELECT ?", "card")
	assert.Equal(t, "SELECT ?", sql)
	assert.Nil(t, params)
}
