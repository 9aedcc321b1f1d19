// Package sheet は洋生ノート同期APIのサーバー側ストアを提供します。
// storeId ごとに1つのシート（SQLiteテーブル）を持ち、行は挿入順を保ちます。
package sheet

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yourusername/yousei-note/internal/backend"
)

const (
	dateLayout  = "2006-01-02"
	timeLayout  = time.RFC3339
	tablePrefix = "sheet_"
)

// storeIDPattern はテナント識別子の形式です。テーブル名に組み込むため厳格に制限します。
var storeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Status は1ストアの同期状況です。
type Status struct {
	LastSync  string `json:"lastSync"`
	ItemCount int    `json:"itemCount"`
	SheetName string `json:"sheetName"`
}

// Store はSQLiteに裏打ちされた表形式ストアです。
// 書き込みの調停は行いません。同一キーへの同時書き込みは後勝ちです。
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open はSQLiteファイルを開いて Store を作成します。
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sheet database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sheet database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close はデータベースを閉じます。
func (s *Store) Close() error {
	return s.db.Close()
}

// SetItem はキーの行を上書きし、未登録なら末尾に追加します。
// 行の並び替えは行わないため、行順は挿入順のまま保たれます。
func (s *Store) SetItem(ctx context.Context, storeID, key, value string, ts time.Time) (*backend.Record, error) {
	tbl, err := s.ensureSheet(ctx, storeID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Second)
	if ts.IsZero() {
		ts = now
	} else {
		ts = ts.UTC().Truncate(time.Second)
	}

	var rowid int64
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT rowid FROM %q WHERE key = ? LIMIT 1`, tbl), key).Scan(&rowid)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %q (key, value, timestamp, last_modified) VALUES (?, ?, ?, ?)`, tbl),
			key, value, ts.Format(timeLayout), now.Format(timeLayout))
	case err == nil:
		_, err = s.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %q SET value = ?, timestamp = ?, last_modified = ? WHERE rowid = ?`, tbl),
			value, ts.Format(timeLayout), now.Format(timeLayout), rowid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write item %s: %w", key, err)
	}
	return &backend.Record{Key: key, Value: value, Timestamp: ts, LastModified: now}, nil
}

// GetItem はキーの値を返します。キー不在は ("", false, nil) です。
func (s *Store) GetItem(ctx context.Context, storeID, key string) (string, bool, error) {
	tbl, err := s.ensureSheet(ctx, storeID)
	if err != nil {
		return "", false, err
	}
	var value string
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %q WHERE key = ? LIMIT 1`, tbl), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read item %s: %w", key, err)
	}
	return value, true, nil
}

// RemoveItem はキーの行を削除し、削除が起きたかを返します。
func (s *Store) RemoveItem(ctx context.Context, storeID, key string) (bool, error) {
	tbl, err := s.ensureSheet(ctx, storeID)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE key = ?`, tbl), key)
	if err != nil {
		return false, fmt.Errorf("failed to remove item %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AllItems は prefix で始まるキーの全行を挿入順で返します。prefix が空なら全件です。
func (s *Store) AllItems(ctx context.Context, storeID, prefix string) ([]backend.Record, error) {
	records, err := s.scanAll(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return records, nil
	}
	filtered := []backend.Record{}
	for _, rec := range records {
		if strings.HasPrefix(rec.Key, prefix) {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

// DateRange は yousei:<storeId>:<date> 形式のキーのうち、日付が
// [startDate, endDate] に収まる行を日付順で返します。
// 日付はゼロ埋めISO形式のため、辞書順の比較で時系列順になります。
func (s *Store) DateRange(ctx context.Context, storeID, startDate, endDate string) ([]backend.Record, error) {
	if _, err := time.Parse(dateLayout, startDate); err != nil {
		return nil, fmt.Errorf("invalid startDate %q: %w", startDate, err)
	}
	if _, err := time.Parse(dateLayout, endDate); err != nil {
		return nil, fmt.Errorf("invalid endDate %q: %w", endDate, err)
	}

	records, err := s.scanAll(ctx, storeID)
	if err != nil {
		return nil, err
	}

	type dated struct {
		date string
		rec  backend.Record
	}
	matched := []dated{}
	for _, rec := range records {
		date, ok := ledgerDate(rec.Key, storeID)
		if !ok {
			continue
		}
		if date >= startDate && date <= endDate {
			matched = append(matched, dated{date: date, rec: rec})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].date < matched[j].date
	})

	result := make([]backend.Record, 0, len(matched))
	for _, m := range matched {
		result = append(result, m.rec)
	}
	return result, nil
}

// PreviousYear は targetDate の1年前と同じ日付の値を探します。
// 完全一致がない場合は ±1日、±2日、±3日の順で前後を1日ずつ探し、
// 最初に見つかった値を返します。
func (s *Store) PreviousYear(ctx context.Context, storeID, targetDate string) (value, foundDate string, found bool, err error) {
	target, err := time.Parse(dateLayout, targetDate)
	if err != nil {
		return "", "", false, fmt.Errorf("invalid targetDate %q: %w", targetDate, err)
	}
	base := target.AddDate(-1, 0, 0)

	for _, offset := range []int{0, -1, 1, -2, 2, -3, 3} {
		date := base.AddDate(0, 0, offset).Format(dateLayout)
		key := fmt.Sprintf("yousei:%s:%s", storeID, date)
		v, ok, err := s.GetItem(ctx, storeID, key)
		if err != nil {
			return "", "", false, err
		}
		if ok {
			return v, date, true, nil
		}
	}
	return "", "", false, nil
}

// Backup はストアのシートを当日日付付きの名前で複製します。
// 同じ日に作成済みのバックアップがあれば置き換えます。
func (s *Store) Backup(ctx context.Context, storeID string) (string, error) {
	tbl, err := s.ensureSheet(ctx, storeID)
	if err != nil {
		return "", err
	}
	backupName := fmt.Sprintf("%s_backup_%s", storeID, time.Now().UTC().Format(dateLayout))
	backupTbl := tablePrefix + backupName

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, backupTbl)); err != nil {
		return "", fmt.Errorf("failed to replace existing backup: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`CREATE TABLE %q AS SELECT key, value, timestamp, last_modified FROM %q`, backupTbl, tbl)); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	return backupName, nil
}

// Status は行数と最終更新時刻を報告します。
func (s *Store) Status(ctx context.Context, storeID string) (*Status, error) {
	tbl, err := s.ensureSheet(ctx, storeID)
	if err != nil {
		return nil, err
	}
	var count int
	var lastSync sql.NullString
	// last_modified は固定長のUTC RFC3339文字列のため MAX が時系列の最大になる
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*), MAX(last_modified) FROM %q`, tbl)).Scan(&count, &lastSync)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync status: %w", err)
	}
	return &Status{
		LastSync:  lastSync.String,
		ItemCount: count,
		SheetName: storeID,
	}, nil
}

// StoreIDs は既存の全ストア識別子を返します（バックアップシートは除く）。
func (s *Store) StoreIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ? ORDER BY name`,
		tablePrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list sheets: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		id := strings.TrimPrefix(name, tablePrefix)
		if strings.Contains(id, "_backup_") {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ensureSheet は storeId を検証し、初回利用時にシートを作成します。
func (s *Store) ensureSheet(ctx context.Context, storeID string) (string, error) {
	if !storeIDPattern.MatchString(storeID) {
		return "", fmt.Errorf("invalid storeId %q", storeID)
	}
	tbl := tablePrefix + storeID
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			last_modified TEXT NOT NULL
		)`, tbl))
	if err != nil {
		return "", fmt.Errorf("failed to ensure sheet for %s: %w", storeID, err)
	}
	return tbl, nil
}

func (s *Store) scanAll(ctx context.Context, storeID string) ([]backend.Record, error) {
	tbl, err := s.ensureSheet(ctx, storeID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key, value, timestamp, last_modified FROM %q ORDER BY rowid`, tbl))
	if err != nil {
		return nil, fmt.Errorf("failed to scan sheet: %w", err)
	}
	defer rows.Close()

	records := []backend.Record{}
	for rows.Next() {
		var key, value, tsRaw, lmRaw string
		if err := rows.Scan(&key, &value, &tsRaw, &lmRaw); err != nil {
			return nil, err
		}
		ts, err := time.Parse(timeLayout, tsRaw)
		if err != nil {
			s.logger.Printf("timestamp の形式が不正な行をスキップします key=%s: %v", key, err)
			continue
		}
		lm, err := time.Parse(timeLayout, lmRaw)
		if err != nil {
			s.logger.Printf("last_modified の形式が不正な行をスキップします key=%s: %v", key, err)
			continue
		}
		records = append(records, backend.Record{
			Key:          key,
			Value:        value,
			Timestamp:    ts,
			LastModified: lm,
		})
	}
	return records, rows.Err()
}

// ledgerDate はキーが yousei:<storeId>:<date> 形式のとき日付部分を返します。
func ledgerDate(key, storeID string) (string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "yousei" || parts[1] != storeID {
		return "", false
	}
	if _, err := time.Parse(dateLayout, parts[2]); err != nil {
		return "", false
	}
	return parts[2], true
}
