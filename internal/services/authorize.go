package services

import (
	"context"
	"fmt"

	"csms/internal/models"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

type authResult struct {
	status types.AuthorizationStatus
	user   *models.User
	userID string
	reason string
}

func (a authResult) accepted() bool { return a.status == types.AuthorizationStatusAccepted }

// resolveIdTag looks the tag up in the tag directory and falls back to the
// eMAID directory, since Plug & Charge sessions start with the eMAID as idTag.
func resolveIdTag(ctx context.Context, users UserDirectory, emaids EmaidDirectory, idTag string) (authResult, error) {
	if idTag == "" {
		return authResult{status: types.AuthorizationStatusInvalid, reason: "missing idTag"}, nil
	}
	tag, err := users.GetTag(ctx, idTag)
	if err != nil {
		return authResult{status: types.AuthorizationStatusInvalid}, fmt.Errorf("failed to load tag: %w", err)
	}
	userID := ""
	if tag != nil {
		if !tag.Active {
			return authResult{status: types.AuthorizationStatusBlocked, reason: "inactive tag"}, nil
		}
		userID = tag.UserID
	} else if emaids != nil {
		e, err := emaids.Get(ctx, idTag)
		if err != nil {
			return authResult{status: types.AuthorizationStatusInvalid}, fmt.Errorf("failed to load eMAID: %w", err)
		}
		if e == nil {
			return authResult{status: types.AuthorizationStatusInvalid, reason: "unknown idTag"}, nil
		}
		if !e.Active {
			return authResult{status: types.AuthorizationStatusInvalid, reason: "inactive eMAID"}, nil
		}
		userID = e.UserID
	} else {
		return authResult{status: types.AuthorizationStatusInvalid, reason: "unknown idTag"}, nil
	}

	res := authResult{status: types.AuthorizationStatusAccepted, userID: userID}
	if userID == "" {
		return res, nil
	}
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		return authResult{status: types.AuthorizationStatusInvalid}, fmt.Errorf("failed to load user: %w", err)
	}
	if user != nil && !user.Active {
		return authResult{status: types.AuthorizationStatusBlocked, userID: userID, reason: "inactive user"}, nil
	}
	res.user = user
	return res, nil
}
