package dispute

import "context"

// Store is the read side of dispute persistence.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, status Status) ([]Record, error)
}

// Service serves the admin review queue. Disputes are raised and decided through the
// escrow state machine, which owns the transaction they belong to.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, status Status) ([]Record, error) {
	switch status {
	case "", StatusOpen, StatusUnderReview, StatusResolved, StatusClosed:
	default:
		return nil, ErrBadStatus
	}
	return s.store.List(ctx, status)
}

// Queue returns disputes that still await a decision, oldest first.
func (s *Service) Queue(ctx context.Context) ([]Record, error) {
	all, err := s.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Active() {
			out = append(out, all[i])
		}
	}
	return out, nil
}
