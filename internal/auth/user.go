package auth

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Username     string    `gorm:"type:varchar(50);uniqueIndex;not null"`
	PasswordHash string    `gorm:"type:varchar(100);not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{})
}

// Credentials is the register/login payload; fiber binds it from JSON or
// form bodies.
type Credentials struct {
	Username string `json:"username" form:"username" validate:"required,alphanum,min=3,max=50"`
	Password string `json:"password" form:"password" validate:"required,min=6,max=72"`
}
