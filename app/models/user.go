package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// User is the account that owns a subscription. Credentials live with the
// authentication service, this table only carries what billing needs.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(150)" json:"name" validate:"max=150"`
	Email     string    `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,max=200"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// DisplayName returns the name, or the email for users without one.
func (u *User) DisplayName() string {
	if name := strings.TrimSpace(u.Name); name != "" {
		return name
	}
	return u.Email
}
