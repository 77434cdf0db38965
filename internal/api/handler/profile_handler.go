package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"match-engine-go/internal/tracing"
	"match-engine-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ProfileWriter 画像写入接口，由 storage.MinIO 实现
type ProfileWriter interface {
	PutParsedProfile(ctx context.Context, profile *types.CandidateProfile) (string, error)
	ProfileExists(ctx context.Context, resumeID string) (bool, error)
}

// VectorInvalidator 画像向量缓存失效接口，由 storage.Redis 实现
type VectorInvalidator interface {
	DeleteResumeVector(ctx context.Context, resumeID string) error
}

// ProfileHandler 处理解析后候选人画像的写入。
// 画像解析由上游服务完成，这里只接收解析结果并维护缓存一致性。
type ProfileHandler struct {
	profiles ProfileWriter
	vectors  VectorInvalidator
	logger   *log.Logger
}

// NewProfileHandler 创建画像写入处理器
func NewProfileHandler(profiles ProfileWriter, vectors VectorInvalidator) *ProfileHandler {
	return &ProfileHandler{
		profiles: profiles,
		vectors:  vectors,
		logger:   log.New(os.Stdout, "[ProfileHandler] ", log.LstdFlags|log.Lshortfile),
	}
}

// HandlePutProfile 写入候选人画像并使旧的画像向量缓存失效。
// 新建画像返回201，覆盖已有画像返回200。
// PUT /api/v1/resumes/:resume_id/profile
func (h *ProfileHandler) HandlePutProfile(ctx context.Context, c *app.RequestContext) {
	span := trace.SpanFromContext(ctx)

	resumeID := c.Param("resume_id")
	if resumeID == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "resume_id 不能为空"})
		return
	}

	var profile types.CandidateProfile
	if err := json.Unmarshal(c.Request.Body(), &profile); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法的JSON"})
		return
	}
	if profile.ResumeID != "" && profile.ResumeID != resumeID {
		err := fmt.Errorf("请求体中的 resume_id (%s) 与路径参数 (%s) 不一致", profile.ResumeID, resumeID)
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	profile.ResumeID = resumeID
	if profile.ProfileText == "" {
		err := fmt.Errorf("profile_text 不能为空")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if profile.UpdatedAtUnixSec == 0 {
		profile.UpdatedAtUnixSec = time.Now().Unix()
	}

	span.SetAttributes(
		attribute.String("profile.resume_id", resumeID),
		attribute.String("profile.headline", tracing.SafeAttributeValue("profile.headline", profile.Headline, tracing.DefaultMaxLength)),
		attribute.String("profile.text_preview", tracing.SafeProfileContent(profile.ProfileText)),
		attribute.Int("profile.skill_count", len(profile.Skills)),
	)

	existed, err := h.profiles.ProfileExists(ctx, resumeID)
	if err != nil {
		h.logger.Printf("检查画像是否存在失败 for ResumeID %s: %v", resumeID, err)
		tracing.RecordErrorWithInfo(span, err, tracing.ErrorTypeObjectStorage,
			attribute.String("profile.resume_id", resumeID))
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "检查画像状态失败"})
		return
	}

	objectKey, err := h.profiles.PutParsedProfile(ctx, &profile)
	if err != nil {
		h.logger.Printf("写入画像失败 for ResumeID %s: %v", resumeID, err)
		tracing.RecordErrorWithInfo(span, err, tracing.ErrorTypeObjectStorage,
			attribute.String("profile.resume_id", resumeID))
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "写入画像失败"})
		return
	}

	// 画像已变更，旧向量必须立刻失效，否则TTL内的排序都会用旧向量打分
	if err := h.vectors.DeleteResumeVector(ctx, resumeID); err != nil {
		h.logger.Printf("画像向量缓存失效失败 for ResumeID %s: %v", resumeID, err)
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "画像已写入但向量缓存失效失败，请重试"})
		return
	}

	h.logger.Printf("画像写入完成: ResumeID=%s, ObjectKey=%s, 覆盖已有画像=%v", resumeID, objectKey, existed)

	status := consts.StatusCreated
	if existed {
		status = consts.StatusOK
	}
	c.JSON(status, map[string]interface{}{
		"resume_id":  resumeID,
		"object_key": objectKey,
		"updated":    existed,
	})
}
