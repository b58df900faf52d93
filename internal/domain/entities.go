// Package domain is the member/team sample model used by the members API and the tools.
package domain

import (
	"fmt"
	"time"

	"github.com/lychee-technology/orma"
)

// Member belongs to at most one team. The team reference owns the team_id join column.
type Member struct {
	ID       int64          `orm:"id,column:member_id,generated:identity"`
	Username string
	Age      int
	Team     orma.Ref[Team] `orm:"column:team_id"`
}

// NewMember builds a transient member, joining team when it is not nil.
func NewMember(username string, age int, team *Team) *Member {
	m := &Member{Username: username, Age: age}
	if team != nil {
		m.ChangeTeam(team)
	}
	return m
}

// ChangeTeam moves the member to team and keeps both sides of the association in step.
func (m *Member) ChangeTeam(team *Team) {
	orma.Associate(m, &m.Team, team, func(t *Team) *orma.Collection[Member] { return &t.Members })
}

func (m *Member) String() string {
	return fmt.Sprintf("Member{id=%d, username=%s, age=%d}", m.ID, m.Username, m.Age)
}

func (Member) TableName() string { return "member" }

func (Member) NamedQueries() []orma.NamedQuery {
	return []orma.NamedQuery{
		{Name: "Member.findByUsername", Query: "select m from Member m where m.username = :username"},
	}
}

func (Member) EntityGraphs() map[string][]string {
	return map[string][]string{
		"Member.all": {"team"},
	}
}

// Team is the inverse side of Member.Team.
type Team struct {
	ID      int64                    `orm:"id,column:team_id,generated:identity"`
	Name    string
	Members orma.Collection[Member] `orm:"mappedBy:team"`
}

func NewTeam(name string) *Team {
	return &Team{Name: name}
}

func (t *Team) String() string {
	return fmt.Sprintf("Team{id=%d, name=%s}", t.ID, t.Name)
}

func (Team) TableName() string { return "team" }

// Item has an assigned key, so a zero key cannot tell whether it was stored. The creation
// timestamp does instead.
type Item struct {
	ID          string    `orm:"id"`
	CreatedDate time.Time `orm:"createdDate"`
}

func (i *Item) IsNew() bool { return i.CreatedDate.IsZero() }

func (Item) TableName() string { return "item" }

// Entities lists every sample entity for registration.
func Entities() []any {
	return []any{&Team{}, &Member{}, &Item{}}
}
