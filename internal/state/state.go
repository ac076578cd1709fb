// Package state builds the observed-state snapshot that planning diffs
// the desired model against.
package state

import (
	"context"
	"fmt"
	"log"

	"github.com/chansync-io/chansync-ce/internal/model"
)

// Directory is the subset of the directory API the resolver reads.
type Directory interface {
	ListUsers(ctx context.Context) ([]*model.RemoteUser, error)
}

// Messaging is the subset of the messaging API the resolver reads.
type Messaging interface {
	ListChannels(ctx context.Context) ([]*model.RemoteChannel, error)
	Members(ctx context.Context, channelID string) ([]string, error)
}

// AvatarClassifier resolves avatar kinds that the directory listing
// left undetermined.
type AvatarClassifier interface {
	Classify(ctx context.Context, imageURL string) (model.ImageKind, error)
}

// Resolver fetches a consistent snapshot of the remote workspace.
type Resolver struct {
	directory Directory
	messaging Messaging
	avatars   AvatarClassifier // nil disables classification
}

func NewResolver(directory Directory, messaging Messaging) *Resolver {
	return &Resolver{directory: directory, messaging: messaging}
}

// WithAvatarClassifier enables avatar classification during fetch.
func (r *Resolver) WithAvatarClassifier(c AvatarClassifier) *Resolver {
	r.avatars = c
	return r
}

// Fetch retrieves users, channels, and channel memberships. Any
// failure aborts the whole fetch: planning against a partial snapshot
// would produce wrong operations.
func (r *Resolver) Fetch(ctx context.Context) (*model.Snapshot, error) {
	snap := model.NewSnapshot()

	users, err := r.directory.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch users: %w", err)
	}
	for _, u := range users {
		if r.avatars != nil && u.ImageKind == model.ImageUnknown {
			kind, err := r.avatars.Classify(ctx, u.ImageURL)
			if err != nil {
				// Classification is advisory; fall back to treating
				// the avatar as customized so it is never clobbered.
				log.Printf("classify avatar for %s: %v", u.Email, err)
				kind = model.ImageCustomized
			}
			u.ImageKind = kind
		}
		snap.AddUser(u)
	}

	channels, err := r.messaging.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch channels: %w", err)
	}
	for _, ch := range channels {
		if !ch.Archived {
			members, err := r.messaging.Members(ctx, ch.ID)
			if err != nil {
				return nil, fmt.Errorf("fetch members of #%s: %w", ch.Name, err)
			}
			ch.MemberIDs = members
		}
		snap.AddChannel(ch)
	}
	return snap, nil
}
