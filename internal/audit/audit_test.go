package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedienterag/internal/auditstats"
	"expedienterag/internal/domain"
	"expedienterag/internal/relational"
)

func TestLogger_Log_AppendsToStoreAndStats(t *testing.T) {
	store := relational.NewMemoryStore()
	stats := auditstats.NewMemoryStore()
	l := New(store).WithStats(stats)
	ctx := context.Background()

	uid := int64(42)
	l.Log(ctx, &uid, domain.AuditConsultaRAG, "consulta general", "", map[string]any{
		"tipo_consulta": "general",
	})

	records, err := l.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.AuditConsultaRAG, records[0].ActionType)

	rag, err := stats.RAGStats(ctx, records[0].Timestamp.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, rag.TotalQueries)
	assert.EqualValues(t, 1, rag.GeneralQueries)
}

func TestLogger_Log_NilStatsIsSafe(t *testing.T) {
	store := relational.NewMemoryStore()
	l := New(store)
	l.Log(context.Background(), nil, domain.AuditLogin, "login", "", nil)

	records, err := l.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
}
