package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"match-engine-go/internal/config"
	"match-engine-go/internal/types"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// ErrProfileNotFound 画像对象不存在
var ErrProfileNotFound = errors.New("候选人画像不存在")

// ProfileStore 候选人画像存储接口。
// 画像由上游解析服务写入，排序时按resumeID读取。
type ProfileStore interface {
	// GetParsedProfile 读取解析后的候选人画像
	GetParsedProfile(ctx context.Context, resumeID string) (*types.CandidateProfile, error)

	// PutParsedProfile 写入解析后的候选人画像，返回对象键
	PutParsedProfile(ctx context.Context, profile *types.CandidateProfile) (string, error)

	// ProfileExists 检查画像对象是否存在
	ProfileExists(ctx context.Context, resumeID string) (bool, error)
}

var _ ProfileStore = (*MinIO)(nil)

// MinIO 候选人画像的对象存储实现
type MinIO struct {
	client        *minio.Client
	cfg           *config.MinIOConfig
	profileBucket string
	logger        *log.Logger
}

// NewMinIO 创建MinIO客户端并准备画像存储桶
func NewMinIO(cfg *config.MinIOConfig, logger *log.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("MinIO地址未配置")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端 (%s) 失败: %w", cfg.Endpoint, err)
	}

	profileBucket := cfg.ProfileBucket
	if profileBucket == "" {
		profileBucket = "candidate-profiles"
	}

	m := &MinIO{
		client:        client,
		cfg:           cfg,
		profileBucket: profileBucket,
		logger:        logger,
	}

	if err := m.ensureBucketExists(profileBucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保画像存储桶 %s 存在失败: %w", profileBucket, err)
	}

	// 过期天数为0表示画像永久保留
	if cfg.ProfileExpireDays > 0 {
		if err := m.setupBucketLifecycle(context.Background(), profileBucket, "expire-profiles", cfg.ProfileExpireDays); err != nil {
			logger.Printf("[MinIO] Warning: lifecycle rule not applied: %v", err)
		}
	}

	logger.Printf("[MinIO] Ready: endpoint=%s, bucket=%s", cfg.Endpoint, profileBucket)
	return m, nil
}

// ensureBucketExists 存储桶不存在时按location创建
func (m *MinIO) ensureBucketExists(bucketName, location string) error {
	exists, err := m.client.BucketExists(context.Background(), bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 失败: %w", bucketName, err)
	}
	if exists {
		m.logger.Printf("[MinIO] Bucket %s found.", bucketName)
		return nil
	}

	m.logger.Printf("[MinIO] Creating bucket %s (location=%q)...", bucketName, location)
	if err := m.client.MakeBucket(context.Background(), bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
	}
	return nil
}

// setupBucketLifecycle 给存储桶挂过期规则，画像对象到期后由MinIO自动清理
func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{{
		ID:         ruleID,
		Status:     "Enabled",
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(expiryDays)},
	}}

	if err := m.client.SetBucketLifecycle(ctx, bucketName, lc); err != nil {
		return err
	}
	m.logger.Printf("[MinIO] Lifecycle rule %s set on bucket %s: expire after %d days.", ruleID, bucketName, expiryDays)
	return nil
}

// profileObjectKey 画像对象键，例如: profiles/{resumeID}.json
func profileObjectKey(resumeID string) string {
	return fmt.Sprintf("profiles/%s.json", resumeID)
}

// GetParsedProfile 读取解析后的候选人画像。
// 对象不存在时返回ErrProfileNotFound，排序调用方视为致命错误。
func (m *MinIO) GetParsedProfile(ctx context.Context, resumeID string) (*types.CandidateProfile, error) {
	if resumeID == "" {
		return nil, fmt.Errorf("resumeID不能为空")
	}
	objectName := profileObjectKey(resumeID)
	m.logger.Printf("[MinIO] Getting parsed profile: Bucket=%s, ObjectKey=%s", m.profileBucket, objectName)

	obj, err := m.client.GetObject(ctx, m.profileBucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取画像对象 %s/%s 失败: %w", m.profileBucket, objectName, err)
	}
	defer obj.Close()

	// 检查对象状态，GetObject是懒加载的，不存在的对象在这里才会暴露
	stat, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("画像对象 %s 不存在: %w", objectName, ErrProfileNotFound)
		}
		return nil, fmt.Errorf("获取画像对象 %s/%s 状态失败: %w", m.profileBucket, objectName, err)
	}
	m.logger.Printf("[MinIO] Profile object %s/%s stats: Size=%d, ContentType=%s", m.profileBucket, objectName, stat.Size, stat.ContentType)

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取画像对象 %s/%s 数据失败: %w", m.profileBucket, objectName, err)
	}

	var profile types.CandidateProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("解析画像JSON %s 失败: %w", objectName, err)
	}
	if profile.ResumeID == "" {
		profile.ResumeID = resumeID
	}
	return &profile, nil
}

// PutParsedProfile 写入解析后的候选人画像，返回对象键。
// 同resumeID重复写入直接覆盖旧画像。
func (m *MinIO) PutParsedProfile(ctx context.Context, profile *types.CandidateProfile) (string, error) {
	if profile == nil || profile.ResumeID == "" {
		return "", fmt.Errorf("画像或resumeID不能为空")
	}
	objectName := profileObjectKey(profile.ResumeID)

	data, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("序列化画像失败: %w", err)
	}

	m.logger.Printf("[MinIO] Uploading parsed profile: ResumeID='%s', ObjectName='%s', Bucket='%s', Size=%d",
		profile.ResumeID, objectName, m.profileBucket, len(data))

	_, err = m.client.PutObject(ctx, m.profileBucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("上传画像 %s 到存储桶 %s 失败: %w", objectName, m.profileBucket, err)
	}

	return objectName, nil
}

// ProfileExists 检查画像对象是否存在
func (m *MinIO) ProfileExists(ctx context.Context, resumeID string) (bool, error) {
	objectName := profileObjectKey(resumeID)
	_, err := m.client.StatObject(ctx, m.profileBucket, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("检查画像对象 %s 失败: %w", objectName, err)
	}
	return true, nil
}
