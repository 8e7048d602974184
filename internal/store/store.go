package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sekoia29/vose/internal/logger"
)

// 渲染任务的终态。
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Store 是统一的 SQLite 存储：音色分析缓存和渲染历史共用一个
// 数据库文件，便于事务和备份。
type Store struct {
	*sql.DB
	path string
}

// Open 打开或创建数据库。dbPath 为空时使用默认路径 ~/.vose/vose.db。
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			dbPath = filepath.Join(home, ".vose", "vose.db")
		} else {
			dbPath = "./vose.db"
		}
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 设置 WAL 模式（更好的并发性能）
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("设置 WAL 模式失败: %w", err)
	}

	// 启用外键约束
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("启用外键约束失败: %w", err)
	}

	logger.Infof("[store] 数据库已打开: %s", dbPath)

	return &Store{DB: db, path: dbPath}, nil
}

// Path 返回数据库文件路径。
func (s *Store) Path() string {
	return s.path
}

// Migrate 运行数据库迁移，可重复执行。
func (s *Store) Migrate() error {
	migrations := []string{
		// 音色分析缓存：每个 (音源, 音素) 一行
		`CREATE TABLE IF NOT EXISTS voice_analysis (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			voice TEXT NOT NULL,
			phoneme TEXT NOT NULL,
			onset REAL NOT NULL DEFAULT 0,
			overlap REAL NOT NULL DEFAULT 0,
			pre_utterance REAL NOT NULL DEFAULT 0,
			analyzed_at DATETIME NOT NULL,
			UNIQUE(voice, phoneme)
		)`,
		// 渲染历史
		`CREATE TABLE IF NOT EXISTS render_history (
			id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			output_path TEXT DEFAULT '',
			note_count INTEGER DEFAULT 0,
			detail TEXT DEFAULT ''
		)`,
	}

	for _, m := range migrations {
		if _, err := s.Exec(m); err != nil {
			return fmt.Errorf("数据库迁移失败: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_voice_analysis_voice ON voice_analysis(voice)`,
		`CREATE INDEX IF NOT EXISTS idx_render_history_started ON render_history(started_at)`,
	}
	for _, idx := range indexes {
		if _, err := s.Exec(idx); err != nil {
			logger.Warnf("[store] 创建索引失败: %v", err)
		}
	}

	logger.Info("[store] 数据库迁移完成")
	return nil
}

// AnalysisResult 是一个音素样本的时序分析结果。
type AnalysisResult struct {
	Voice        string
	Phoneme      string
	Onset        float64
	Overlap      float64
	PreUtterance float64
	AnalyzedAt   time.Time
}

// UpsertAnalysis 写入或更新一条分析结果。
func (s *Store) UpsertAnalysis(r AnalysisResult) error {
	if r.AnalyzedAt.IsZero() {
		r.AnalyzedAt = time.Now()
	}
	_, err := s.Exec(`
		INSERT INTO voice_analysis (voice, phoneme, onset, overlap, pre_utterance, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(voice, phoneme) DO UPDATE SET
			onset = excluded.onset,
			overlap = excluded.overlap,
			pre_utterance = excluded.pre_utterance,
			analyzed_at = excluded.analyzed_at`,
		r.Voice, r.Phoneme, r.Onset, r.Overlap, r.PreUtterance,
		r.AnalyzedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("写入分析结果失败: %w", err)
	}
	return nil
}

// LookupAnalysis 查询一条分析结果，未命中时返回 (nil, nil)。
func (s *Store) LookupAnalysis(voice, phoneme string) (*AnalysisResult, error) {
	row := s.QueryRow(`
		SELECT voice, phoneme, onset, overlap, pre_utterance, analyzed_at
		FROM voice_analysis WHERE voice = ? AND phoneme = ?`, voice, phoneme)

	var r AnalysisResult
	var at string
	err := row.Scan(&r.Voice, &r.Phoneme, &r.Onset, &r.Overlap, &r.PreUtterance, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询分析结果失败: %w", err)
	}
	r.AnalyzedAt, _ = time.Parse(time.RFC3339Nano, at)
	return &r, nil
}

// ListAnalyses 返回一个音源的全部分析结果，按音素名排序。
func (s *Store) ListAnalyses(voice string) ([]AnalysisResult, error) {
	rows, err := s.Query(`
		SELECT voice, phoneme, onset, overlap, pre_utterance, analyzed_at
		FROM voice_analysis WHERE voice = ? ORDER BY phoneme`, voice)
	if err != nil {
		return nil, fmt.Errorf("查询分析结果失败: %w", err)
	}
	defer rows.Close()

	var out []AnalysisResult
	for rows.Next() {
		var r AnalysisResult
		var at string
		if err := rows.Scan(&r.Voice, &r.Phoneme, &r.Onset, &r.Overlap, &r.PreUtterance, &at); err != nil {
			return nil, fmt.Errorf("读取分析结果失败: %w", err)
		}
		r.AnalyzedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RenderRecord 是一次导出任务的归档信息。
type RenderRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	OutputPath string
	NoteCount  int
	Detail     string
}

// RecordRender 归档一次渲染任务的结果。
func (s *Store) RecordRender(rec RenderRecord) error {
	_, err := s.Exec(`
		INSERT INTO render_history (id, started_at, finished_at, status, output_path, note_count, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano),
		rec.Status, rec.OutputPath, rec.NoteCount, rec.Detail)
	if err != nil {
		return fmt.Errorf("写入渲染历史失败: %w", err)
	}
	return nil
}

// RecentRenders 返回最近的渲染历史，新的在前。
func (s *Store) RecentRenders(limit int) ([]RenderRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.Query(`
		SELECT id, started_at, finished_at, status, output_path, note_count, detail
		FROM render_history ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询渲染历史失败: %w", err)
	}
	defer rows.Close()

	var out []RenderRecord
	for rows.Next() {
		var rec RenderRecord
		var started, finished string
		if err := rows.Scan(&rec.ID, &started, &finished, &rec.Status,
			&rec.OutputPath, &rec.NoteCount, &rec.Detail); err != nil {
			return nil, fmt.Errorf("读取渲染历史失败: %w", err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}
