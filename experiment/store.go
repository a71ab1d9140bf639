package experiment

import (
	"context"
	"sort"
	"sync"
)

// ExperimentStore 实验存储接口
// 生产环境由外部持久化协作方实现（见 store/gormstore、store/redisstore），
// 要求同步的读后写强一致语义。
type ExperimentStore interface {
	// Save 保存实验（新建或覆盖）
	Save(ctx context.Context, exp *Experiment) error
	// Load 按 ID 加载实验
	Load(ctx context.Context, id string) (*Experiment, error)
	// List 列出所有实验
	List(ctx context.Context) ([]*Experiment, error)
	// Delete 删除实验
	Delete(ctx context.Context, id string) error
}

// MemoryStore 内存实验存储（用于测试和单进程场景）
type MemoryStore struct {
	experiments map[string]*Experiment
	mu          sync.RWMutex
}

// NewMemoryStore 创建内存实验存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: make(map[string]*Experiment),
	}
}

// Save 保存实验
func (s *MemoryStore) Save(ctx context.Context, exp *Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 深拷贝，隔离调用方后续修改
	s.experiments[exp.ID] = exp.Clone()
	return nil
}

// Load 加载实验
func (s *MemoryStore) Load(ctx context.Context, id string) (*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return nil, ErrExperimentNotFound
	}
	return exp.Clone(), nil
}

// List 列出所有实验，按创建时间排序
func (s *MemoryStore) List(ctx context.Context) ([]*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	experiments := make([]*Experiment, 0, len(s.experiments))
	for _, exp := range s.experiments {
		experiments = append(experiments, exp.Clone())
	}

	sort.Slice(experiments, func(i, j int) bool {
		return experiments[i].CreatedAt.Before(experiments[j].CreatedAt)
	})

	return experiments, nil
}

// Delete 删除实验
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[id]; !ok {
		return ErrExperimentNotFound
	}
	delete(s.experiments, id)
	return nil
}
