package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"match-engine-go/internal/config"
	"match-engine-go/internal/storage/models"
	"match-engine-go/internal/tracing"
	"match-engine-go/internal/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("match-engine-go/storage/mysql")

// GormTracingPlugin 以GORM回调的方式为每次数据库操作生成OpenTelemetry Span。
type GormTracingPlugin struct {
	tracer trace.Tracer
	dbName string
}

// gormSpanKey 是before回调经语句上下文向after回调传递Span的键。
type gormSpanKey struct{}

// Name 实现 gorm.Plugin 接口。
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调，在每类操作前后开启与结束Span
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	hooks := []struct {
		key            string
		op             string
		registerBefore func(string, func(*gorm.DB)) error
		registerAfter  func(string, func(*gorm.DB)) error
	}{
		{"create", "CREATE", cb.Create().Before("gorm:create").Register, cb.Create().After("gorm:create").Register},
		{"query", "SELECT", cb.Query().Before("gorm:query").Register, cb.Query().After("gorm:query").Register},
		{"update", "UPDATE", cb.Update().Before("gorm:update").Register, cb.Update().After("gorm:update").Register},
		{"delete", "DELETE", cb.Delete().Before("gorm:delete").Register, cb.Delete().After("gorm:delete").Register},
		{"row", "ROW", cb.Row().Before("gorm:row").Register, cb.Row().After("gorm:row").Register},
		{"raw", "RAW", cb.Raw().Before("gorm:raw").Register, cb.Raw().After("gorm:raw").Register},
	}
	for _, h := range hooks {
		if err := h.registerBefore("otel:before_"+h.key, p.before(h.op)); err != nil {
			return err
		}
		if err := h.registerAfter("otel:after_"+h.key, p.after()); err != nil {
			return err
		}
	}
	return nil
}

// before 返回操作前回调，开启Span并经语句上下文传给after
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if db.Statement.SkipHooks {
			return
		}

		ctx, tableName := db.Statement.Context, db.Statement.Table
		if ctx == nil {
			ctx = context.Background()
		}
		if tableName == "" {
			tableName = "unknown"
		}

		attrs := []attribute.KeyValue{
			semconv.DBSystemMySQL,
			attribute.String("db.name", p.dbName),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", tableName),
		}
		// 超长SQL截断后再写入属性
		if sqlStatement := db.Statement.SQL.String(); sqlStatement != "" {
			attrs = append(attrs, attribute.String("db.statement", tracing.SafeSQL(sqlStatement)))
		}

		newCtx, span := p.tracer.Start(ctx, fmt.Sprintf("%s %s", operation, tableName),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attrs...))
		db.Statement.Context = context.WithValue(newCtx, gormSpanKey{}, span)
	}
}

// after 返回操作后回调，补充影响行数与错误信息并结束Span
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		switch {
		case db.Error == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(db.Error, gorm.ErrRecordNotFound):
			// 未命中记录属于正常业务结果，不作为错误上报
			span.SetAttributes(attribute.String("error.type", "record_not_found"))
			span.SetStatus(codes.Ok, "record not found")
		default:
			span.SetAttributes(
				attribute.String("error.type", "database_error"),
				attribute.String("error.message", db.Error.Error()),
			)
			span.RecordError(db.Error)
			span.SetStatus(codes.Error, db.Error.Error())
		}
	}
}

// NewGormTracingPlugin 构造追踪插件，dbName写入每个Span的db.name属性。
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer: mysqlTracer,
		dbName: dbName,
	}
}

// CatalogFilter 岗位候选集过滤条件
type CatalogFilter struct {
	IncludeRemote  bool   // false时排除远程岗位
	EmploymentType string // 空为不过滤
	Limit          int    // 参与打分的岗位上限
}

// Database 岗位目录与匹配明细的持久层接口
type Database interface {
	// DB 暴露底层GORM实例，供事务与迁移使用
	DB() *gorm.DB

	// Close 释放连接池
	Close() error

	// FindCandidateJobs 按过滤条件加载参与排序的岗位候选集
	FindCandidateJobs(ctx context.Context, filter CatalogFilter) ([]types.JobPosting, error)

	// GetJobVectors 批量加载岗位向量
	GetJobVectors(ctx context.Context, jobIDs []string, modelVersion string) (map[string][]float64, error)

	// UpsertMatchRecords 在一个事务中写入匹配明细与outbox事件行
	UpsertMatchRecords(ctx context.Context, records []models.MatchRecord, outboxMsg *models.OutboxMessage) error

	// GetMatchRecordsByJobIDs 按岗位ID集合读取某简历的匹配明细
	GetMatchRecordsByJobIDs(ctx context.Context, resumeID string, jobIDs []string) ([]models.MatchRecord, error)

	// ListMatchRecords 分页读取某简历的历史匹配明细
	ListMatchRecords(ctx context.Context, resumeID string, offset, limit int) ([]models.MatchRecord, int64, error)
}

var _ Database = (*MySQL)(nil)

// MySQL 承载岗位目录、匹配明细与发件箱的存储实现
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// gormLogLevels 配置值到GORM日志级别的映射，未配置或越界时取Info。
var gormLogLevels = map[int]logger.LogLevel{
	1: logger.Silent,
	2: logger.Error,
	3: logger.Warn,
	4: logger.Info,
}

// NewMySQL 建立连接池、注册追踪插件并完成表结构迁移
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	logLevel, ok := gormLogLevels[cfg.LogLevel]
	if !ok {
		logLevel = logger.Info
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if err := m.autoMigrateSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	log.Println("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

// autoMigrateSchema 迁移全部表结构。迁移期间换成静默logger，
// 避免把建表SQL刷进日志，结束后恢复原有级别。
func (m *MySQL) autoMigrateSchema() error {
	currentLogger := m.db.Logger
	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})
	err := silentDB.AutoMigrate(
		&models.Job{},
		&models.JobVector{},
		&models.MatchRecord{},
		&models.OutboxMessage{},
	)
	m.db = m.db.Session(&gorm.Session{Logger: currentLogger})

	if err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	log.Println("GORM数据库结构迁移成功")
	return nil
}

// DB 暴露底层GORM实例，供事务与迁移使用
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 释放连接池
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// FindCandidateJobs 按过滤条件加载岗位候选集并转换为排序输入。
// 只取ACTIVE岗位，按发布时间降序，上限filter.Limit条。
func (m *MySQL) FindCandidateJobs(ctx context.Context, filter CatalogFilter) ([]types.JobPosting, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.FindCandidateJobs",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.name", m.cfg.Database),
		attribute.String("db.sql.table", "jobs"),
		attribute.Bool("catalog.include_remote", filter.IncludeRemote),
		attribute.String("catalog.employment_type", filter.EmploymentType),
	)

	query := m.db.WithContext(ctx).Model(&models.Job{}).Where("status = ?", "ACTIVE")
	if !filter.IncludeRemote {
		query = query.Where("remote = ?", false)
	}
	if filter.EmploymentType != "" {
		query = query.Where("employment_type = ?", filter.EmploymentType)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var jobs []models.Job
	if err := query.Order("posted_at DESC").Order("job_id ASC").Find(&jobs).Error; err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return nil, fmt.Errorf("查询岗位候选集失败: %w", err)
	}

	postings := make([]types.JobPosting, 0, len(jobs))
	for i := range jobs {
		posting, err := jobToPosting(&jobs[i])
		if err != nil {
			// 单条岗位数据损坏不应拖垮整个候选集
			span.AddEvent("skip_corrupt_job", trace.WithAttributes(attribute.String("job.id", jobs[i].JobID)))
			continue
		}
		postings = append(postings, posting)
	}

	span.SetAttributes(attribute.Int("catalog.job_count", len(postings)))
	span.SetStatus(codes.Ok, "")
	return postings, nil
}

// GetJobVectors 批量加载岗位向量，只返回模型版本匹配且可成功反序列化的条目。
// 结果map中缺失的岗位按"无向量"处理，由上层退化为纯规则打分。
func (m *MySQL) GetJobVectors(ctx context.Context, jobIDs []string, modelVersion string) (map[string][]float64, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.GetJobVectors",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.name", m.cfg.Database),
		attribute.String("db.sql.table", "job_vectors"),
		attribute.Int("batch.size", len(jobIDs)),
	)

	vectors := make(map[string][]float64, len(jobIDs))
	if len(jobIDs) == 0 {
		span.SetStatus(codes.Ok, "no job ids")
		return vectors, nil
	}

	var rows []models.JobVector
	err := m.db.WithContext(ctx).
		Where("job_id IN ? AND model_version = ?", jobIDs, modelVersion).
		Find(&rows).Error
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return nil, fmt.Errorf("查询岗位向量失败: %w", err)
	}

	for i := range rows {
		var vec []float64
		if err := json.Unmarshal(rows[i].Embedding, &vec); err != nil {
			span.AddEvent("skip_corrupt_vector", trace.WithAttributes(attribute.String("job.id", rows[i].JobID)))
			continue
		}
		vectors[rows[i].JobID] = vec
	}

	span.SetAttributes(attribute.Int("vector.hit_count", len(vectors)))
	span.SetStatus(codes.Ok, "")
	return vectors, nil
}

// UpsertMatchRecords 写入本次排序的匹配明细，(resume_id, job_id) 冲突时覆盖打分字段。
// outbox事件行与明细在同一事务中落库，保证排序结果与事件不分叉。
func (m *MySQL) UpsertMatchRecords(ctx context.Context, records []models.MatchRecord, outboxMsg *models.OutboxMessage) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.UpsertMatchRecords",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.name", m.cfg.Database),
		attribute.String("db.operation", "INSERT_ON_DUPLICATE"),
		attribute.String("db.sql.table", "match_records"),
		attribute.Int("batch.size", len(records)),
	)

	if len(records) == 0 {
		span.SetStatus(codes.Ok, "no records to upsert")
		return nil
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "resume_id"}, {Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"blended_score", "composite_score", "semantic_score",
				"similarity_label", "confidence", "scoring_method",
				"breakdown_json", "rationale_json", "rationale_source", "updated_at",
			}),
		}).Create(&records).Error; err != nil {
			return fmt.Errorf("写入匹配明细失败: %w", err)
		}

		if outboxMsg != nil {
			if err := tx.Create(outboxMsg).Error; err != nil {
				return fmt.Errorf("写入outbox事件失败: %w", err)
			}
		}
		return nil
	})

	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return err
	}

	span.SetAttributes(attribute.Int("db.rows_affected", len(records)))
	span.SetStatus(codes.Ok, "")
	return nil
}

// GetMatchRecordsByJobIDs 按岗位ID集合读取某简历的匹配明细，用于缓存回填。
// 返回顺序不保证，由调用方按缓存中的排序还原。
func (m *MySQL) GetMatchRecordsByJobIDs(ctx context.Context, resumeID string, jobIDs []string) ([]models.MatchRecord, error) {
	if len(jobIDs) == 0 {
		return []models.MatchRecord{}, nil
	}

	var records []models.MatchRecord
	err := m.db.WithContext(ctx).
		Preload("Job").
		Where("resume_id = ? AND job_id IN ?", resumeID, jobIDs).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("查询匹配明细失败: %w", err)
	}
	return records, nil
}

// ListMatchRecords 分页读取某简历的历史匹配明细，按混合分降序。
// 返回当前页数据与总条数。
func (m *MySQL) ListMatchRecords(ctx context.Context, resumeID string, offset, limit int) ([]models.MatchRecord, int64, error) {
	var total int64
	if err := m.db.WithContext(ctx).Model(&models.MatchRecord{}).
		Where("resume_id = ?", resumeID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计匹配明细失败: %w", err)
	}

	var records []models.MatchRecord
	err := m.db.WithContext(ctx).
		Preload("Job").
		Where("resume_id = ?", resumeID).
		Order("blended_score DESC").
		Order("job_id ASC").
		Offset(offset).
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询匹配明细失败: %w", err)
	}
	return records, total, nil
}

// jobToPosting 将岗位表行转换为排序输入快照
func jobToPosting(job *models.Job) (types.JobPosting, error) {
	posting := types.JobPosting{
		JobID:          job.JobID,
		Title:          job.Title,
		Description:    job.Description,
		Skills:         []string{},
		MinYears:       job.MinYears,
		MaxYears:       job.MaxYears,
		SalaryMin:      job.SalaryMin,
		SalaryMax:      job.SalaryMax,
		PostedAt:       job.PostedAt,
		Remote:         job.Remote,
		EmploymentType: types.EmploymentType(job.EmploymentType),
	}
	if len(job.SkillsJSON) > 0 {
		if err := json.Unmarshal(job.SkillsJSON, &posting.Skills); err != nil {
			return types.JobPosting{}, fmt.Errorf("解析岗位 %s 的技能列表失败: %w", job.JobID, err)
		}
	}
	return posting, nil
}

// RecordToEnrichedMatch 将匹配明细行还原为完整的匹配条目。
// 要求记录已Preload岗位快照；JSON列损坏视为数据错误。
func RecordToEnrichedMatch(record *models.MatchRecord) (types.EnrichedMatch, error) {
	if record.Job == nil {
		return types.EnrichedMatch{}, fmt.Errorf("匹配明细 %s/%s 缺少岗位快照", record.ResumeID, record.JobID)
	}

	posting, err := jobToPosting(record.Job)
	if err != nil {
		return types.EnrichedMatch{}, err
	}

	var breakdown types.ScoreBreakdown
	if len(record.BreakdownJSON) > 0 {
		if err := json.Unmarshal(record.BreakdownJSON, &breakdown); err != nil {
			return types.EnrichedMatch{}, fmt.Errorf("解析匹配明细 %s/%s 的分项JSON失败: %w", record.ResumeID, record.JobID, err)
		}
	}

	match := types.EnrichedMatch{
		MatchResult: types.MatchResult{
			Job:             posting,
			Composite:       breakdown,
			SemanticScore:   record.SemanticScore,
			SimilarityLabel: record.SimilarityLabel,
			Confidence:      record.Confidence,
			BlendedScore:    record.BlendedScore,
		},
		RationaleSource: record.RationaleSource,
	}

	if len(record.RationaleJSON) > 0 {
		var rationale types.Rationale
		if err := json.Unmarshal(record.RationaleJSON, &rationale); err != nil {
			return types.EnrichedMatch{}, fmt.Errorf("解析匹配明细 %s/%s 的理由JSON失败: %w", record.ResumeID, record.JobID, err)
		}
		if rationale.Headline != "" {
			match.Rationale = &rationale
		}
	}

	return match, nil
}

// MatchToRecord 将排序产出的匹配条目转换为待落库的明细行
func MatchToRecord(resumeID string, scoringMethod types.ScoringMethod, match *types.EnrichedMatch) (models.MatchRecord, error) {
	breakdownJSON, err := models.ValueToJSON(match.Composite)
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("序列化分项明细失败: %w", err)
	}

	record := models.MatchRecord{
		ResumeID:        resumeID,
		JobID:           match.Job.JobID,
		BlendedScore:    match.BlendedScore,
		CompositeScore:  match.Composite.Total,
		SemanticScore:   match.SemanticScore,
		SimilarityLabel: match.SimilarityLabel,
		Confidence:      match.Confidence,
		ScoringMethod:   string(scoringMethod),
		BreakdownJSON:   breakdownJSON,
		RationaleSource: match.RationaleSource,
	}

	if match.Rationale != nil {
		rationaleJSON, err := models.ValueToJSON(match.Rationale)
		if err != nil {
			return models.MatchRecord{}, fmt.Errorf("序列化推荐理由失败: %w", err)
		}
		record.RationaleJSON = rationaleJSON
	}

	return record, nil
}
