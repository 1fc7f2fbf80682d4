package conversation

import (
	"context"
	"fmt"

	"github.com/stokvel/stokvel-service/internal/domain"
)

// Request is what a service action receives.
type Request struct {
	Phone     string
	StokvelID string
	Text      string
	Number    float64
}

// Service executes an action and returns the reply text.
type Service func(ctx context.Context, req Request) (string, error)

// UserDirectory is the user-facing slice of app.UserService.
type UserDirectory interface {
	IsRegistered(ctx context.Context, phone string) (bool, error)
	Profile(ctx context.Context, phone string) (string, error)
	UpdateName(ctx context.Context, phone, name string) (string, error)
	UpdateSurname(ctx context.Context, phone, surname string) (string, error)
}

// StokvelDirectory is the slice of app.StokvelService reachable from the menus.
type StokvelDirectory interface {
	Summary(ctx context.Context, phone, stokvelID string) (string, error)
	Constitution(ctx context.Context, stokvelID string) (string, error)
	UserTotalInterest(ctx context.Context, phone, stokvelID string) (string, error)
	StokvelTotalInterest(ctx context.Context, stokvelID string) (string, error)
	Rename(ctx context.Context, actorPhone, stokvelID, name string) (string, error)
	ChangeMaxMembers(ctx context.Context, actorPhone, stokvelID string, maxMembers int) (string, error)
}

// MembershipDirectory is the slice of app.MembershipService reachable from the menus.
type MembershipDirectory interface {
	MembershipLister
	IsAnyAdmin(ctx context.Context, phone string) (bool, error)
	IsAdmin(ctx context.Context, phone, stokvelID string) (bool, error)
	LeaveStokvel(ctx context.Context, phone, stokvelID string) (string, error)
	PendingApplicationsURL(stokvelID string) string
}

// Services are the collaborators the engine binds actions to.
type Services struct {
	Users      UserDirectory
	Stokvels   StokvelDirectory
	Membership MembershipDirectory
}

func selected(req Request) error {
	if req.StokvelID == "" {
		return domain.ErrNoStokvelSelected
	}
	return nil
}

// Bindings maps the service names used in the state table to their implementations.
func Bindings(s Services) map[string]Service {
	return map[string]Service{
		"stokvel_summary": func(ctx context.Context, req Request) (string, error) {
			if err := selected(req); err != nil {
				return "", err
			}
			return s.Stokvels.Summary(ctx, req.Phone, req.StokvelID)
		},
		"view_constitution": func(ctx context.Context, req Request) (string, error) {
			if err := selected(req); err != nil {
				return "", err
			}
			return s.Stokvels.Constitution(ctx, req.StokvelID)
		},
		"user_total_interest": func(ctx context.Context, req Request) (string, error) {
			if err := selected(req); err != nil {
				return "", err
			}
			return s.Stokvels.UserTotalInterest(ctx, req.Phone, req.StokvelID)
		},
		"stokvel_total_interest": func(ctx context.Context, req Request) (string, error) {
			if err := selected(req); err != nil {
				return "", err
			}
			return s.Stokvels.StokvelTotalInterest(ctx, req.StokvelID)
		},
		"leave_stokvel": func(ctx context.Context, req Request) (string, error) {
			if err := selected(req); err != nil {
				return "", err
			}
			return s.Membership.LeaveStokvel(ctx, req.Phone, req.StokvelID)
		},
		"change_stokvel_name": func(ctx context.Context, req Request) (string, error) {
			if err := selected(req); err != nil {
				return "", err
			}
			return s.Stokvels.Rename(ctx, req.Phone, req.StokvelID, req.Text)
		},
		"change_max_members": func(ctx context.Context, req Request) (string, error) {
			if err := selected(req); err != nil {
				return "", err
			}
			return s.Stokvels.ChangeMaxMembers(ctx, req.Phone, req.StokvelID, int(req.Number))
		},
		"pending_applications": func(ctx context.Context, req Request) (string, error) {
			if err := selected(req); err != nil {
				return "", err
			}
			ok, err := s.Membership.IsAdmin(ctx, req.Phone, req.StokvelID)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", domain.ErrNotAdmin
			}
			return fmt.Sprintf("View pending applications here: %s", s.Membership.PendingApplicationsURL(req.StokvelID)), nil
		},
		"view_account_details": func(ctx context.Context, req Request) (string, error) {
			return s.Users.Profile(ctx, req.Phone)
		},
		"update_name": func(ctx context.Context, req Request) (string, error) {
			return s.Users.UpdateName(ctx, req.Phone, req.Text)
		},
		"update_surname": func(ctx context.Context, req Request) (string, error) {
			return s.Users.UpdateSurname(ctx, req.Phone, req.Text)
		},
	}
}
