// Package pkglist describes package-list selectors and renders them into the
// `cmd package list packages` command line understood by the device.
package pkglist

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/1ureka/adbwire/internal/adberr"
)

const baseCommand = "cmd package list packages"

// Scope selects which packages are listed.
type Scope int

const (
	AllNonApex Scope = iota
	Apex
	Disabled
	Enabled
	System
	ThirdParty
	Uninstalled
)

var scopes = []struct {
	scope Scope
	name  string
	flag  string
}{
	{AllNonApex, "all", "-a"},
	{Apex, "apex", "--apex-only"},
	{Disabled, "disabled", "-d"},
	{Enabled, "enabled", "-e"},
	{System, "system", "-s"},
	{ThirdParty, "third-party", "-3"},
	{Uninstalled, "uninstalled", "-u"},
}

// Flag returns the command-line flag for s.
func (s Scope) Flag() string {
	for _, e := range scopes {
		if e.scope == s {
			return e.flag
		}
	}
	return ""
}

func (s Scope) String() string {
	for _, e := range scopes {
		if e.scope == s {
			return e.name
		}
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// ParseScope maps a scope name ("all", "system", ...) back to its Scope.
func ParseScope(name string) (Scope, error) {
	for _, e := range scopes {
		if e.name == name {
			return e.scope, nil
		}
	}
	return 0, adberr.Conversionf(nil, "unknown package scope %q", name)
}

// ScopeNames lists every accepted scope name.
func ScopeNames() []string {
	names := make([]string, len(scopes))
	for i, e := range scopes {
		names[i] = e.name
	}
	return names
}

// Details selects how much is printed per package.
type Details int

const (
	Normal Details = iota
	ShowVersionCode
	ShowInstaller
	ShowAssociatedApks
)

// Flag returns the command-line flag for d; Normal has none.
func (d Details) Flag() string {
	switch d {
	case ShowVersionCode:
		return "--show-versioncode"
	case ShowInstaller:
		return "-i"
	case ShowAssociatedApks:
		return "-f"
	default:
		return ""
	}
}

func (d Details) known() bool {
	return d >= Normal && d <= ShowAssociatedApks
}

func (d Details) String() string {
	switch d {
	case Normal:
		return "normal"
	case ShowVersionCode:
		return "versioncode"
	case ShowInstaller:
		return "installer"
	case ShowAssociatedApks:
		return "apks"
	default:
		return fmt.Sprintf("details(%d)", int(d))
	}
}

// ParseDetails maps a details name back to its Details.
func ParseDetails(name string) (Details, error) {
	for _, d := range []Details{Normal, ShowVersionCode, ShowInstaller, ShowAssociatedApks} {
		if d.String() == name {
			return d, nil
		}
	}
	return 0, adberr.Conversionf(nil, "unknown package details %q", name)
}

type userKind int

const (
	noUser userKind = iota
	currentUser
	specificUser
)

// UserFilter restricts the listing to one user profile.
type UserFilter struct {
	kind userKind
	id   int
}

// NoUserSpecified leaves the user choice to the device.
func NoUserSpecified() UserFilter { return UserFilter{kind: noUser} }

// CurrentUser resolves the foreground user before listing.
func CurrentUser() UserFilter { return UserFilter{kind: currentUser} }

// SpecificUser lists packages for user id.
func SpecificUser(id int) UserFilter { return UserFilter{kind: specificUser, id: id} }

// NeedsResolve reports whether the user id must be looked up first.
func (u UserFilter) NeedsResolve() bool { return u.kind == currentUser }

func (u UserFilter) String() string {
	switch u.kind {
	case currentUser:
		return "current"
	case specificUser:
		return strconv.Itoa(u.id)
	default:
		return "none"
	}
}

// ParseUserFilter accepts "", "none", "current" or a numeric user id.
func ParseUserFilter(s string) (UserFilter, error) {
	switch s {
	case "", "none":
		return NoUserSpecified(), nil
	case "current":
		return CurrentUser(), nil
	}
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return UserFilter{}, adberr.Conversionf(err, "invalid user %q", s)
	}
	return SpecificUser(id), nil
}

// Resolver looks up the current user id.
type Resolver func() (int, error)

// Type is the full selector: scope × details × user.
type Type struct {
	Scope   Scope
	Details Details
	User    UserFilter
}

// Command renders t. A CurrentUser filter calls resolve, and a resolve
// failure fails the render; there is no fallback to "no user".
func (t Type) Command(resolve Resolver) (string, error) {
	scope := t.Scope.Flag()
	if scope == "" {
		return "", adberr.Conversionf(nil, "unknown package scope %s", t.Scope)
	}
	if !t.Details.known() {
		return "", adberr.Conversionf(nil, "unknown package details %s", t.Details)
	}

	parts := []string{baseCommand, scope}
	if f := t.Details.Flag(); f != "" {
		parts = append(parts, f)
	}

	switch t.User.kind {
	case specificUser:
		parts = append(parts, "--user", strconv.Itoa(t.User.id))
	case currentUser:
		if resolve == nil {
			return "", adberr.Conversionf(nil, "current user requested without a resolver")
		}
		id, err := resolve()
		if err != nil {
			return "", adberr.Wrap(err, "resolve current user")
		}
		parts = append(parts, "--user", strconv.Itoa(id))
	}
	return strings.Join(parts, " "), nil
}

func (t Type) String() string {
	return fmt.Sprintf("%s/%s/user=%s", t.Scope, t.Details, t.User)
}

// ParseUserID parses the output of `am get-current-user`.
func ParseUserID(output string) (int, error) {
	s := strings.TrimSpace(output)
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, adberr.Conversionf(err, "current user %q is not a number", s)
	}
	return id, nil
}
