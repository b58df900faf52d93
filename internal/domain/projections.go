package domain

import (
	"reflect"

	"github.com/lychee-technology/orma"
)

// MemberDto is filled positionally by "select new MemberDto(...)".
type MemberDto struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	TeamName string `json:"teamName"`
}

// MemberDtoOf copies m. The team name is left empty unless the team is already loaded.
func MemberDtoOf(m *Member) MemberDto {
	dto := MemberDto{ID: m.ID, Username: m.Username}
	if team := m.Team.Peek(); team != nil {
		dto.TeamName = team.Name
	}
	return dto
}

// UsernameOnly is a closed projection: each field names a Member property.
type UsernameOnly struct {
	Username string
}

// TeamInfo nests the referenced team inside a member projection.
type TeamInfo struct {
	Name string
}

// NestedClosedProjection reads the username and the team name through the reference.
type NestedClosedProjection struct {
	Username string
	Team     TeamInfo
}

// MemberProjection maps the columns of the native paged query by name.
type MemberProjection struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	TeamName string `json:"teamName"`
}

var (
	memberType    = reflect.TypeFor[Member]()
	teamType      = reflect.TypeFor[Team]()
	memberDtoType = reflect.TypeFor[MemberDto]()
)

// UsernameIs matches members with exactly this username.
func UsernameIs(username string) orma.Specification[Member] {
	return orma.Spec[Member](orma.Eq("username", username))
}

// TeamNameIs matches members of the named team. An empty name matches everyone.
func TeamNameIs(teamName string) orma.Specification[Member] {
	if teamName == "" {
		return orma.Specification[Member]{}
	}
	return orma.Spec[Member](orma.Eq("team.name", teamName))
}

func AgeAtLeast(age int) orma.Specification[Member] {
	return orma.Spec[Member](orma.Where("age", orma.OpGreaterEq, age))
}
