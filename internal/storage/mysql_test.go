package storage

import (
	"context"
	"testing"

	"finq-go/internal/storage/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"gorm.io/datatypes"
)

func TestOpenDatabaseTracesStatements(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	plugin := NewGormTracingPlugin("finq").
		WithDBSystem(semconv.DBSystemSqlite).
		WithTracer(tp.Tracer("test"))

	db, err := OpenDatabase(sqlite.Open("file::memory:"), nil, plugin)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Ping(context.Background()))
	require.NoError(t, db.DB().AutoMigrate(&models.OutboxEvent{}))

	row := &models.OutboxEvent{
		EventType:     "portfolio.updated",
		AggregateID:   "p-1",
		AggregateType: "portfolio",
		EventData:     datatypes.JSON(`{"delta":1}`),
		Status:        models.OutboxStatusPending,
	}
	require.NoError(t, db.DB().WithContext(context.Background()).Create(row).Error)
	assert.NotZero(t, row.ID)

	var loaded models.OutboxEvent
	err = db.DB().First(&loaded, "id = ?", row.ID).Error
	require.NoError(t, err)
	assert.Equal(t, "p-1", loaded.AggregateID)

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	assert.True(t, names["CREATE outbox_events"], "spans: %v", names)
	assert.True(t, names["SELECT outbox_events"], "spans: %v", names)
}

func TestGormLogLevelMapping(t *testing.T) {
	assert.NotEqual(t, gormLogLevel(1), gormLogLevel(4))
	assert.Equal(t, gormLogLevel(2), gormLogLevel(0))
}
