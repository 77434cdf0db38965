package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"match-engine-go/internal/api/handler"
	"match-engine-go/internal/storage"
	"match-engine-go/internal/storage/models"
	"match-engine-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/route/param"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHistoryStore 返回预设的历史明细分页
type stubHistoryStore struct {
	records   []models.MatchRecord
	total     int64
	err       error
	gotOffset int
	gotLimit  int
}

func (s *stubHistoryStore) ListMatchRecords(ctx context.Context, resumeID string, offset, limit int) ([]models.MatchRecord, int64, error) {
	s.gotOffset = offset
	s.gotLimit = limit
	if s.err != nil {
		return nil, 0, s.err
	}
	return s.records, s.total, nil
}

// historyRecord 构造一条带岗位快照的历史明细
func historyRecord(t *testing.T, resumeID, jobID string, blended float64) models.MatchRecord {
	t.Helper()
	match := enriched(jobID, blended, 0.9)
	rec, err := storage.MatchToRecord(resumeID, types.ScoringHybrid, &match)
	require.NoError(t, err)
	rec.Job = &models.Job{JobID: jobID, Title: "Go开发工程师"}
	return rec
}

func performListMatches(h *handler.MatchHistoryHandler, resumeID string, query map[string]string) *app.RequestContext {
	c := app.NewContext(16)
	c.Request.Header.SetMethod(consts.MethodGet)
	c.Params = append(c.Params, param.Param{Key: "resume_id", Value: resumeID})
	for k, v := range query {
		c.QueryArgs().Add(k, v)
	}
	h.HandleListMatches(context.Background(), c)
	return c
}

func TestHandleListMatches_ReturnsPage(t *testing.T) {
	store := &stubHistoryStore{
		records: []models.MatchRecord{
			historyRecord(t, "resume-001", "job-b", 91),
			historyRecord(t, "resume-001", "job-a", 88),
		},
		total: 5,
	}
	h := handler.NewMatchHistoryHandler(store)

	c := performListMatches(h, "resume-001", map[string]string{"offset": "2", "limit": "2"})
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	var resp handler.MatchHistoryResponse
	require.NoError(t, json.Unmarshal(c.Response.Body(), &resp))
	assert.Equal(t, "resume-001", resp.ResumeID)
	assert.Equal(t, int64(5), resp.TotalCount)
	assert.Equal(t, 2, resp.Offset)
	assert.Equal(t, 2, resp.Limit)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, "job-b", resp.Matches[0].Job.JobID)
	assert.Equal(t, 91.0, resp.Matches[0].BlendedScore)

	assert.Equal(t, 2, store.gotOffset)
	assert.Equal(t, 2, store.gotLimit)
}

func TestHandleListMatches_DefaultPagination(t *testing.T) {
	store := &stubHistoryStore{}
	h := handler.NewMatchHistoryHandler(store)

	// 未带分页参数时使用默认值
	c := performListMatches(h, "resume-001", nil)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	assert.Equal(t, 0, store.gotOffset)
	assert.Equal(t, 20, store.gotLimit)

	// 越界参数回退默认值
	c = performListMatches(h, "resume-001", map[string]string{"offset": "-3", "limit": "1000"})
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	assert.Equal(t, 0, store.gotOffset)
	assert.Equal(t, 20, store.gotLimit)
}

func TestHandleListMatches_CorruptRecordSkipped(t *testing.T) {
	broken := historyRecord(t, "resume-001", "job-x", 70)
	broken.Job = nil // 岗位快照缺失，该明细无法还原
	store := &stubHistoryStore{
		records: []models.MatchRecord{
			historyRecord(t, "resume-001", "job-a", 88),
			broken,
		},
		total: 2,
	}
	h := handler.NewMatchHistoryHandler(store)

	c := performListMatches(h, "resume-001", nil)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	var resp handler.MatchHistoryResponse
	require.NoError(t, json.Unmarshal(c.Response.Body(), &resp))
	require.Len(t, resp.Matches, 1, "损坏的明细被跳过而不是整页失败")
	assert.Equal(t, "job-a", resp.Matches[0].Job.JobID)
	assert.Equal(t, int64(2), resp.TotalCount)
}

func TestHandleListMatches_MissingResumeID(t *testing.T) {
	h := handler.NewMatchHistoryHandler(&stubHistoryStore{})

	c := performListMatches(h, "", nil)
	assert.Equal(t, consts.StatusBadRequest, c.Response.StatusCode())
}

func TestHandleListMatches_StoreError(t *testing.T) {
	store := &stubHistoryStore{err: errors.New("数据库不可用")}
	h := handler.NewMatchHistoryHandler(store)

	c := performListMatches(h, "resume-001", nil)
	assert.Equal(t, consts.StatusInternalServerError, c.Response.StatusCode())
}
