package spec

import (
	"path"
	"strings"

	"github.com/chansync-io/chansync-ce/internal/filter"
	"github.com/chansync-io/chansync-ce/internal/model"
	"github.com/chansync-io/chansync-ce/internal/render"
	"github.com/chansync-io/chansync-ce/internal/source"
)

// Compile materializes the parsed document: loads every user source,
// merges rows into the desired user set, and evaluates group and channel
// membership. The result is the desired half of a reconciliation run.
func (d *Document) Compile() (*model.Specification, error) {
	users, err := d.compileUsers()
	if err != nil {
		return nil, err
	}

	groups, err := d.compileGroups(users)
	if err != nil {
		return nil, err
	}

	channels, err := d.compileChannels(users, groups)
	if err != nil {
		return nil, err
	}

	s := &model.Specification{
		Users:    users,
		Groups:   groups,
		Channels: channels,
		Settings: d.settings(),
		Vars:     d.Vars,
	}
	s.SortMembers()
	return s, nil
}

func (d *Document) settings() model.Settings {
	st := model.Settings{
		// Customized names and photos are preserved unless the document
		// says otherwise.
		KeepCustomizedName:       true,
		KeepCustomizedPhotos:     true,
		ExtendGroupMemberships:   d.Settings.ExtendGroupMemberships,
		ExtendChannelMemberships: d.Settings.ExtendChannelMemberships,
		MergeReplaceLists:        d.Settings.MergeReplaceLists,
		SyncGroups:               d.Settings.SyncGroups,
		Workspace:                d.Settings.Workspace,
		Token:                    d.Settings.Token,
		BotDomain:                d.Settings.BotDomain,
		AlternateEmailsOutput:    d.Settings.AlternateEmailsOutput,
	}
	if d.Settings.KeepCustomizedName != nil {
		st.KeepCustomizedName = *d.Settings.KeepCustomizedName
	}
	if d.Settings.KeepCustomizedPhotos != nil {
		st.KeepCustomizedPhotos = *d.Settings.KeepCustomizedPhotos
	}
	return st
}

// compileUsers loads all sources in declaration order and merges rows by
// identity key: later sources overwrite field-by-field, list fields union
// unless merge_replace_lists is set.
func (d *Document) compileUsers() (map[string]*model.User, error) {
	users := make(map[string]*model.User)
	replaceLists := d.Settings.MergeReplaceLists

	for _, src := range d.Users {
		rows, err := src.Load(d.Vars)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			key, err := src.RenderKey(row, d.Vars)
			if err != nil {
				return nil, err
			}
			key = strings.ToLower(key)
			if key == "" {
				continue
			}
			u, ok := users[key]
			if !ok {
				u = model.NewUser(key)
				users[key] = u
			}
			mergeRow(u, row, replaceLists)
		}
	}
	return users, nil
}

// mergeRow folds one source row into a user record. Scalar fields
// overwrite; list fields union (order-preserving) unless replaceLists.
func mergeRow(u *model.User, row source.Row, replaceLists bool) {
	for name, v := range row {
		switch incoming := v.(type) {
		case string:
			u.SetAttr(name, incoming)
		case []string:
			if replaceLists {
				u.SetAttr(name, append([]string(nil), incoming...))
				continue
			}
			existing := u.AttrList(name)
			merged := append([]string(nil), existing...)
			for _, item := range incoming {
				if !containsString(merged, item) {
					merged = append(merged, item)
				}
			}
			u.SetAttr(name, merged)
		}
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// compileGroups evaluates each group declaration against the user set.
// The name template renders per matching user, so one declaration can fan
// out into several concrete groups.
func (d *Document) compileGroups(users map[string]*model.User) (map[string]*model.Group, error) {
	groups := make(map[string]*model.Group)

	for _, gc := range d.Groups {
		matched, err := matchedUsers(gc.Filter, "group "+gc.Name, users)
		if err != nil {
			return nil, err
		}
		for _, u := range matched {
			name, err := render.Render(gc.Name, userContext(u, d.Vars))
			if err != nil {
				return nil, err
			}
			if name == "" {
				continue
			}
			g, ok := groups[name]
			if !ok {
				g = &model.Group{Name: name, Filter: gc.Filter}
				groups[name] = g
			}
			g.MemberKeys = appendKey(g.MemberKeys, u.Key)
		}
		// A literal name declares the group even when nothing matches.
		if len(render.Vars(gc.Name)) == 0 {
			if _, ok := groups[gc.Name]; !ok {
				groups[gc.Name] = &model.Group{Name: gc.Name, Filter: gc.Filter}
			}
		}
	}
	return groups, nil
}

// compileChannels derives each channel's member set from the referenced
// group globs, then the direct filter, then fans out on the name template.
func (d *Document) compileChannels(users map[string]*model.User, groups map[string]*model.Group) (map[string]*model.Channel, error) {
	channels := make(map[string]*model.Channel)

	for _, cc := range d.Channels {
		target := users

		if len(cc.Groups) > 0 {
			target = map[string]*model.User{}
			for _, name := range model.SortedKeys(groups) {
				if !matchesAnyGlob(name, cc.Groups) {
					continue
				}
				for _, key := range groups[name].MemberKeys {
					if u, ok := users[key]; ok {
						target[key] = u
					}
				}
			}
		}

		matched, err := matchedUsers(cc.Filter, "channel "+cc.Name, target)
		if err != nil {
			return nil, err
		}

		for _, u := range matched {
			name, err := render.Render(cc.Name, userContext(u, d.Vars))
			if err != nil {
				return nil, err
			}
			if name == "" {
				continue
			}
			ch, ok := channels[name]
			if !ok {
				ch = newChannel(cc, name)
				channels[name] = ch
			}
			ch.MemberKeys = appendKey(ch.MemberKeys, u.Key)
		}
		if len(render.Vars(cc.Name)) == 0 {
			if _, ok := channels[cc.Name]; !ok {
				channels[cc.Name] = newChannel(cc, cc.Name)
			}
		}
	}
	return channels, nil
}

func newChannel(cc ChannelConfig, name string) *model.Channel {
	policy := cc.Permissions
	if policy == "user" {
		policy = ""
	}
	return &model.Channel{
		Name:          name,
		Private:       cc.Private,
		PostingPolicy: policy,
		Groups:        append([]string(nil), cc.Groups...),
		Filter:        cc.Filter,
	}
}

// matchedUsers applies an optional filter, returning users sorted by key.
func matchedUsers(expr, owner string, users map[string]*model.User) ([]*model.User, error) {
	if expr == "" {
		out := make([]*model.User, 0, len(users))
		for _, key := range model.SortedKeys(users) {
			out = append(out, users[key])
		}
		return out, nil
	}
	matched, err := filter.Evaluate(expr, users)
	if err != nil {
		if ee, ok := err.(*filter.EvalError); ok && ee.Owner == "" {
			return nil, &filter.EvalError{Expr: ee.Expr, Owner: owner, Pos: ee.Pos, Msg: ee.Msg}
		}
		return nil, err
	}
	return matched, nil
}

func matchesAnyGlob(name string, globs []string) bool {
	for _, g := range globs {
		if ok, err := path.Match(g, name); err == nil && ok {
			return true
		}
	}
	return false
}

func appendKey(keys []string, key string) []string {
	if containsString(keys, key) {
		return keys
	}
	return append(keys, key)
}

func userContext(u *model.User, vars map[string]string) map[string]any {
	ctx := render.Context(vars)
	for k, v := range u.Attrs {
		ctx[k] = v
	}
	return ctx
}
