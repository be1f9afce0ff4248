package auditstats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"expedienterag/internal/domain"
)

// ClickHouseStore is the production Store: parse a DSN with
// clickhouse.ParseDSN, open one pooled connection, and run parameterized
// aggregate SELECTs: scalar queries each get a per-call timeout, and every
// report as a whole is bounded by one deadline.
type ClickHouseStore struct {
	conn    clickhouse.Conn
	table   string
	timeout time.Duration
}

// ClickHouseConfig configures the connection and table name; it mirrors
// config.ClickHouseConfig field-for-field.
type ClickHouseConfig struct {
	DSN            string
	Database       string
	EventsTable    string
	TimeoutSeconds int
}

// NewClickHouseStore opens a connection, ensures the events table exists,
// and pings it. Returns (nil, nil) when cfg.DSN is blank: an unset DSN
// means this analytics mirror is off, the same convention every other
// optional backend in this repo follows.
func NewClickHouseStore(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, nil
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("auditstats: parse clickhouse dsn: %w", err)
	}
	if cfg.Database != "" {
		opts.Auth.Database = cfg.Database
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("auditstats: open clickhouse connection: %w", err)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	table := strings.TrimSpace(cfg.EventsTable)
	if table == "" {
		table = "audit_events"
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("auditstats: clickhouse ping: %w", err)
	}

	s := &ClickHouseStore{conn: conn, table: table, timeout: timeout}
	createCtx, cancel2 := context.WithTimeout(ctx, timeout)
	defer cancel2()
	if err := s.ensureSchema(createCtx); err != nil {
		return nil, fmt.Errorf("auditstats: ensure schema: %w", err)
	}
	return s, nil
}

// ensureSchema creates the MergeTree audit_events table if absent, ordered
// by timestamp so the date-range filters in every report query below can
// use the primary index. CREATE TABLE IF NOT EXISTS keeps startup
// idempotent.
func (s *ClickHouseStore) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id String,
    ts DateTime64(3),
    user_id Nullable(Int64),
    action_type_id Int32,
    expediente_numero String,
    tipo_consulta String,
    text String
) ENGINE = MergeTree
ORDER BY (ts, action_type_id)
`, s.table)
	return s.conn.Exec(ctx, ddl)
}

// Record inserts one event row. Called best-effort from audit.Logger.Log;
// any error here must never propagate to the ingestion or query pipeline
//, which is enforced at the audit.Logger call site, not here.
func (s *ClickHouseStore) Record(ctx context.Context, rec domain.AuditRecord) error {
	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	tipoConsulta, _ := classifyRAGInfo(rec)
	var userID any
	if rec.UserID != nil {
		userID = *rec.UserID
	}
	return s.conn.Exec(execCtx,
		fmt.Sprintf("INSERT INTO %s (id, ts, user_id, action_type_id, expediente_numero, tipo_consulta, text) VALUES (?, ?, ?, ?, ?, ?, ?)", s.table),
		rec.ID, rec.Timestamp, userID, int32(rec.ActionType), rec.ExpedienteID, tipoConsulta, rec.Text,
	)
}

func (s *ClickHouseStore) Overview(ctx context.Context, since time.Time) (Overview, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*s.timeout)
	defer cancel()
	now := time.Now().UTC()
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	since7 := now.Add(-7 * 24 * time.Hour)
	since30 := now.Add(-30 * 24 * time.Hour)

	var out Overview
	if err := s.scalar(ctx, fmt.Sprintf("SELECT count() FROM %s", s.table), &out.TotalRecords); err != nil {
		return out, err
	}
	if err := s.scalarSince(ctx, startOfToday, &out.RecordsToday); err != nil {
		return out, err
	}
	if err := s.scalarSince(ctx, since7, &out.Records7Days); err != nil {
		return out, err
	}
	if err := s.scalarSince(ctx, since30, &out.Records30Days); err != nil {
		return out, err
	}
	if err := s.scalarQuery(ctx, fmt.Sprintf("SELECT uniqExact(user_id) FROM %s WHERE ts >= ? AND user_id IS NOT NULL", s.table), []any{since30}, &out.UniqueUsers); err != nil {
		return out, err
	}
	if err := s.scalarQuery(ctx, fmt.Sprintf("SELECT uniqExact(expediente_numero) FROM %s WHERE ts >= ? AND expediente_numero != ''", s.table), []any{since30}, &out.UniqueExpedientes); err != nil {
		return out, err
	}

	rows, err := s.query(ctx, fmt.Sprintf("SELECT action_type_id, count() FROM %s WHERE ts >= ? GROUP BY action_type_id", s.table), since30)
	if err != nil {
		return out, err
	}
	for rows.Next() {
		var t int32
		var c int64
		if err := rows.Scan(&t, &c); err != nil {
			rows.Close()
			return out, err
		}
		out.ActionsByType = append(out.ActionsByType, ActionTypeCount{ActionType: domain.AuditActionType(t), Count: c})
	}
	rows.Close()

	userCounts := map[int64]int64{}
	urows, err := s.query(ctx, fmt.Sprintf("SELECT user_id, count() FROM %s WHERE ts >= ? AND user_id IS NOT NULL GROUP BY user_id", s.table), since30)
	if err != nil {
		return out, err
	}
	for urows.Next() {
		var uid int64
		var c int64
		if err := urows.Scan(&uid, &c); err != nil {
			urows.Close()
			return out, err
		}
		userCounts[uid] = c
	}
	urows.Close()
	out.TopUsers = topUsers(userCounts, 5)

	expCounts := map[string]int64{}
	erows, err := s.query(ctx, fmt.Sprintf("SELECT expediente_numero, count() FROM %s WHERE ts >= ? AND expediente_numero != '' GROUP BY expediente_numero", s.table), since30)
	if err != nil {
		return out, err
	}
	for erows.Next() {
		var num string
		var c int64
		if err := erows.Scan(&num, &c); err != nil {
			erows.Close()
			return out, err
		}
		expCounts[num] = c
	}
	erows.Close()
	out.TopExpedientes = topExpedientes(expCounts, 5)

	dayCounts := map[string]int64{}
	drows, err := s.query(ctx, fmt.Sprintf("SELECT toDate(ts), count() FROM %s WHERE ts >= ? GROUP BY toDate(ts)", s.table), since7)
	if err != nil {
		return out, err
	}
	for drows.Next() {
		var d time.Time
		var c int64
		if err := drows.Scan(&d, &c); err != nil {
			drows.Close()
			return out, err
		}
		dayCounts[d.Format("2006-01-02")] = c
	}
	drows.Close()
	out.DailyActivity = dailySeries(dayCounts, since7, now)

	return out, nil
}

func (s *ClickHouseStore) RAGStats(ctx context.Context, since time.Time) (RAGStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*s.timeout)
	defer cancel()
	now := time.Now().UTC()
	since7 := now.Add(-7 * 24 * time.Hour)
	out := RAGStats{PeriodStart: since, PeriodEnd: now}

	if err := s.scalarQuery(ctx, fmt.Sprintf("SELECT count() FROM %s WHERE ts >= ? AND ts <= ? AND action_type_id = ?", s.table),
		[]any{since, now, int32(domain.AuditConsultaRAG)}, &out.TotalQueries); err != nil {
		return out, err
	}
	if err := s.scalarQuery(ctx, fmt.Sprintf("SELECT count() FROM %s WHERE ts >= ? AND ts <= ? AND action_type_id = ? AND tipo_consulta = 'expediente'", s.table),
		[]any{since, now, int32(domain.AuditConsultaRAG)}, &out.ExpedienteQueries); err != nil {
		return out, err
	}
	out.GeneralQueries = out.TotalQueries - out.ExpedienteQueries
	if out.TotalQueries > 0 {
		out.PercentGeneral = round1(float64(out.GeneralQueries) / float64(out.TotalQueries) * 100)
		out.PercentExpediente = round1(float64(out.ExpedienteQueries) / float64(out.TotalQueries) * 100)
	}
	if err := s.scalarQuery(ctx, fmt.Sprintf("SELECT uniqExact(user_id) FROM %s WHERE ts >= ? AND ts <= ? AND action_type_id = ? AND user_id IS NOT NULL", s.table),
		[]any{since, now, int32(domain.AuditConsultaRAG)}, &out.ActiveUsers); err != nil {
		return out, err
	}
	if err := s.scalarQuery(ctx, fmt.Sprintf("SELECT uniqExact(expediente_numero) FROM %s WHERE ts >= ? AND ts <= ? AND action_type_id = ? AND tipo_consulta = 'expediente'", s.table),
		[]any{since, now, int32(domain.AuditConsultaRAG)}, &out.ExpedientesQueried); err != nil {
		return out, err
	}

	expCounts := map[string]int64{}
	erows, err := s.query(ctx, fmt.Sprintf("SELECT expediente_numero, count() FROM %s WHERE ts >= ? AND ts <= ? AND action_type_id = ? AND tipo_consulta = 'expediente' GROUP BY expediente_numero", s.table),
		since, now, int32(domain.AuditConsultaRAG))
	if err != nil {
		return out, err
	}
	for erows.Next() {
		var num string
		var c int64
		if err := erows.Scan(&num, &c); err != nil {
			erows.Close()
			return out, err
		}
		expCounts[num] = c
	}
	erows.Close()
	out.TopExpedientes = topExpedientes(expCounts, 5)

	dayCounts := map[string]int64{}
	drows, err := s.query(ctx, fmt.Sprintf("SELECT toDate(ts), count() FROM %s WHERE ts >= ? AND action_type_id = ? GROUP BY toDate(ts)", s.table), since7, int32(domain.AuditConsultaRAG))
	if err != nil {
		return out, err
	}
	for drows.Next() {
		var d time.Time
		var c int64
		if err := drows.Scan(&d, &c); err != nil {
			drows.Close()
			return out, err
		}
		dayCounts[d.Format("2006-01-02")] = c
	}
	drows.Close()
	out.DailyActivity = dailySeries(dayCounts, since7, now)

	return out, nil
}

func (s *ClickHouseStore) DashboardMetrics(ctx context.Context, periodDays int) (DashboardMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*s.timeout)
	defer cancel()
	if periodDays <= 0 {
		periodDays = 30
	}
	now := time.Now().UTC()
	periodStart := now.Add(-time.Duration(periodDays) * 24 * time.Hour)
	prevStart := periodStart.Add(-time.Duration(periodDays) * 24 * time.Hour)
	since7 := now.Add(-7 * 24 * time.Hour)

	out := DashboardMetrics{PeriodDays: periodDays}
	if err := s.scalarQuery(ctx, fmt.Sprintf("SELECT count() FROM %s WHERE ts >= ? AND ts <= ?", s.table), []any{periodStart, now}, &out.RecordsPeriod); err != nil {
		return out, err
	}
	if err := s.scalarQuery(ctx, fmt.Sprintf("SELECT count() FROM %s WHERE ts >= ? AND ts < ?", s.table), []any{prevStart, periodStart}, &out.RecordsPreviousPeriod); err != nil {
		return out, err
	}
	if out.RecordsPreviousPeriod > 0 {
		out.TrendPercent = round2(float64(out.RecordsPeriod-out.RecordsPreviousPeriod) / float64(out.RecordsPreviousPeriod) * 100)
	}
	out.TrendDirection = trendDirection(out.TrendPercent)

	userCounts := map[int64]int64{}
	urows, err := s.query(ctx, fmt.Sprintf("SELECT user_id, count() FROM %s WHERE ts >= ? AND ts <= ? AND user_id IS NOT NULL GROUP BY user_id", s.table), periodStart, now)
	if err != nil {
		return out, err
	}
	for urows.Next() {
		var uid int64
		var c int64
		if err := urows.Scan(&uid, &c); err != nil {
			urows.Close()
			return out, err
		}
		userCounts[uid] = c
	}
	urows.Close()
	out.TopUsers = topUsers(userCounts, 10)

	expCounts := map[string]int64{}
	erows, err := s.query(ctx, fmt.Sprintf("SELECT expediente_numero, count() FROM %s WHERE ts >= ? AND ts <= ? AND expediente_numero != '' GROUP BY expediente_numero", s.table), periodStart, now)
	if err != nil {
		return out, err
	}
	for erows.Next() {
		var num string
		var c int64
		if err := erows.Scan(&num, &c); err != nil {
			erows.Close()
			return out, err
		}
		expCounts[num] = c
	}
	erows.Close()
	out.TopExpedientes = topExpedientes(expCounts, 10)

	hourCounts := map[int]int64{}
	hrows, err := s.query(ctx, fmt.Sprintf("SELECT toHour(ts), count() FROM %s WHERE ts >= ? GROUP BY toHour(ts)", s.table), since7)
	if err != nil {
		return out, err
	}
	for hrows.Next() {
		var h uint8
		var c int64
		if err := hrows.Scan(&h, &c); err != nil {
			hrows.Close()
			return out, err
		}
		hourCounts[int(h)] = c
	}
	hrows.Close()
	for h := 0; h < 24; h++ {
		if c, ok := hourCounts[h]; ok {
			out.HourlyDistribution = append(out.HourlyDistribution, HourCount{Hour: h, Count: c})
		}
	}

	return out, nil
}

// query runs a SELECT without imposing its own timeout: callers bound the
// whole report (every query it issues) with one context.WithTimeout at the
// top of Overview/RAGStats/DashboardMetrics instead, so the deadline can't
// fire between Query returning and the caller's rows.Next() loop draining
// them (a bug this package had earlier when each call wrapped its own
// now-expired context around the returned Rows).
func (s *ClickHouseStore) query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return s.conn.Query(ctx, query, args...)
}

func (s *ClickHouseStore) scalar(ctx context.Context, query string, dest *int64) error {
	return s.scalarQuery(ctx, query, nil, dest)
}

func (s *ClickHouseStore) scalarSince(ctx context.Context, since time.Time, dest *int64) error {
	return s.scalarQuery(ctx, fmt.Sprintf("SELECT count() FROM %s WHERE ts >= ?", s.table), []any{since}, dest)
}

func (s *ClickHouseStore) scalarQuery(ctx context.Context, query string, args []any, dest *int64) error {
	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := s.conn.QueryRow(execCtx, query, args...)
	return row.Scan(dest)
}

// Close releases the pooled connection.
func (s *ClickHouseStore) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
