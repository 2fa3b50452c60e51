package audit

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/query"
	"medsync/internal/store"
)

// ErrEmptyQuery 搜索输入为空
var ErrEmptyQuery = errors.New("search query is empty")

var healthIDPattern = regexp.MustCompile(`^\d{10}$`)

// SearchKind 搜索结果状态
type SearchKind int

const (
	SearchPending SearchKind = iota
	SearchFound
	SearchNotFound
	SearchErrored
)

func (k SearchKind) String() string {
	switch k {
	case SearchFound:
		return "found"
	case SearchNotFound:
		return "not_found"
	case SearchErrored:
		return "error"
	default:
		return "pending"
	}
}

// SearchResult 患者搜索结果
type SearchResult struct {
	Kind   SearchKind
	Record domain.Record
	Err    error
}

// Reader 一次性读取；mutation.Gateway 实现，权限拒绝时上报安全事件
type Reader interface {
	Get(ctx context.Context, d *query.Descriptor) ([]domain.Record, error)
}

// Searcher 患者搜索（按健康编号或手机号）
type Searcher struct {
	client   Reader
	recorder *Recorder
	logger   *zap.Logger
}

func NewSearcher(client Reader, recorder *Recorder, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{client: client, recorder: recorder, logger: logger}
}

// Search 查找患者并合并 patients/{id} 档案
// 10 位数字按 healthId 查询，其余按 phone 查询；找到且搜索者为审计角色时记录一条 search 日志
func (s *Searcher) Search(ctx context.Context, searcher *domain.Identity, input string) (SearchResult, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return SearchResult{}, ErrEmptyQuery
	}
	if searcher != nil && store.AuthFromContext(ctx) == "" {
		ctx = store.WithAuth(ctx, searcher.ID)
	}

	field := "phone"
	if healthIDPattern.MatchString(input) {
		field = "healthId"
	}
	d, err := query.Collection(domain.UsersCollection, query.Where(field, query.OpEqual, input), query.Limit(1))
	if err != nil {
		return SearchResult{}, err
	}

	recs, err := s.client.Get(ctx, d)
	if err != nil {
		s.logger.Warn("Patient search failed", zap.String("field", field), zap.Error(err))
		return SearchResult{Kind: SearchErrored, Err: err}, nil
	}
	if len(recs) == 0 {
		return SearchResult{Kind: SearchNotFound}, nil
	}
	identity := recs[0]

	patient, err := s.client.Get(ctx, query.MustDocument(domain.PatientsCollection+"/"+identity.ID))
	if err != nil {
		s.logger.Warn("Patient record read failed", zap.String("patient_id", identity.ID), zap.Error(err))
		return SearchResult{Kind: SearchErrored, Err: err}, nil
	}
	merged := identity
	if len(patient) > 0 {
		merged = identity.Merge(patient[0])
	}

	if ShouldAudit(searcher) && s.recorder != nil {
		s.recorder.RecordAsync(searcher, identity.ID, domain.PrivacySearch)
	}
	return SearchResult{Kind: SearchFound, Record: merged}, nil
}
