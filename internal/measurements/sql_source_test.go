package measurements

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"dqalarm/internal/domain"
	"dqalarm/internal/engine"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fetchEnd = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupMockSource(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLSource) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	source, err := NewSQLSource(db, "dq.measurements")
	require.NoError(t, err)
	return db, mock, source
}

func TestSQLSourceFetchWindow(t *testing.T) {
	db, mock, source := setupMockSource(t)
	defer db.Close()

	start := fetchEnd.Add(-time.Hour)
	rows := sqlmock.NewRows([]string{"channel", "value", "starttime", "endtime"}).
		AddRow("UW.A..HHZ", 1.5, start, start.Add(time.Minute)).
		AddRow("UW.B..HHZ", 2.5, start.Add(time.Minute), nil)
	mock.ExpectQuery(`FROM dq.measurements\s+WHERE metric = \$1 AND channel = ANY\(\$2\) AND starttime >= \$3 AND starttime < \$4`).
		WithArgs("rms", sqlmock.AnyArg(), start, fetchEnd).
		WillReturnRows(rows)

	got, err := source.Fetch(context.Background(), engine.Query{
		MetricID: "rms",
		Channels: []string{"UW.A..HHZ", "UW.B..HHZ"},
		Start:    &start,
		End:      fetchEnd,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "rms", got[0].Metric)
	assert.Equal(t, "UW.A..HHZ", got[0].Channel)
	assert.Equal(t, got[1].Starttime, got[1].Endtime, "missing endtime falls back to starttime")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSourceFetchLastN(t *testing.T) {
	db, mock, source := setupMockSource(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"channel", "value", "starttime", "endtime"}).
		AddRow("UW.A..HHZ", 3.0, fetchEnd.Add(-time.Minute), fetchEnd)
	mock.ExpectQuery(`ROW_NUMBER\(\) OVER \(PARTITION BY channel ORDER BY starttime DESC\)`).
		WithArgs("rms", sqlmock.AnyArg(), fetchEnd, 5).
		WillReturnRows(rows)

	got, err := source.Fetch(context.Background(), engine.Query{
		MetricID:        "rms",
		Channels:        []string{"UW.A..HHZ"},
		End:             fetchEnd,
		LimitPerChannel: 5,
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSourceFetchErrorIsWrapped(t *testing.T) {
	db, mock, source := setupMockSource(t)
	defer db.Close()

	start := fetchEnd.Add(-time.Hour)
	mock.ExpectQuery(`SELECT`).WillReturnError(errors.New("connection reset"))

	_, err := source.Fetch(context.Background(), engine.Query{MetricID: "rms", Channels: []string{"A"}, Start: &start, End: fetchEnd})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query measurements")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSourceFetchEmptyChannelsSkipsQuery(t *testing.T) {
	db, mock, source := setupMockSource(t)
	defer db.Close()

	got, err := source.Fetch(context.Background(), engine.Query{MetricID: "rms", End: fetchEnd, LimitPerChannel: 3})
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSourceAppendUsesTransaction(t *testing.T) {
	db, mock, source := setupMockSource(t)
	defer db.Close()

	m := domain.Measurement{Metric: "rms", Channel: "A", Value: 1, Starttime: fetchEnd}
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO dq.measurements`)
	prep.ExpectExec().WithArgs("rms", "A", 1.0, fetchEnd, fetchEnd).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, source.Append(context.Background(), []domain.Measurement{m}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSourceAppendUpsertsOnStarttime(t *testing.T) {
	db, mock, source := setupMockSource(t)
	defer db.Close()

	first := domain.Measurement{Metric: "rms", Channel: "A", Value: 1, Starttime: fetchEnd}
	second := first
	second.Value = 2
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`ON CONFLICT \(metric, channel, starttime\) DO UPDATE SET value = EXCLUDED.value, endtime = EXCLUDED.endtime`)
	prep.ExpectExec().WithArgs("rms", "A", 1.0, fetchEnd, fetchEnd).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("rms", "A", 2.0, fetchEnd, fetchEnd).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, source.Append(context.Background(), []domain.Measurement{first, second}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSQLSourceRejectsUnsafeTable(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLSource(db, "measurements; DROP TABLE x")
	assert.Error(t, err)
}

func TestOpenSQLSourceRejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQLSource(context.Background(), SQLSettings{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)
}
