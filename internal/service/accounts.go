package service

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/quillmail/marks/internal/db"
)

var (
	ErrLoginUserNotFound         = errors.New("user not found")
	ErrLoginPasswordDoesNotMatch = errors.New("password does not match")
)

// Accounts is the credential/account store. The bookmark core consumes
// only FindByUsername; register/login serve the auth endpoints.
type Accounts struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

func NewAccounts(gdb *gorm.DB, l *zap.SugaredLogger) *Accounts {
	return &Accounts{
		db:     gdb,
		logger: l,
	}
}

func (s *Accounts) Register(email, pass string) (string, error) {
	hash, err := s.bcryptGen(pass)
	if err != nil {
		return "", errors.Wrap(err, "bcryptGen")
	}
	token := uuid.New().String()
	res := s.db.Create(&db.User{
		Email:    NormalizePrincipal(email),
		Password: hash,
		Token:    token,
		Active:   true,
	})
	if res.Error != nil {
		return "", res.Error
	}
	return token, nil
}

func (s *Accounts) Login(email, pass string) (string, error) {
	user := db.User{}
	res := s.db.Where("email = ?", NormalizePrincipal(email)).First(&user)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return "", ErrLoginUserNotFound
		}
		return "", res.Error
	}

	if err := s.bcryptCheck(user.Password, pass); err != nil {
		return "", ErrLoginPasswordDoesNotMatch
	}

	token := uuid.New().String()
	res = s.db.Model(&user).Update("token", token)
	if res.Error != nil {
		return "", errors.Wrap(res.Error, "update token")
	}

	return token, nil
}

// FindByUsername returns the account row or nil when unknown.
func (s *Accounts) FindByUsername(username string) (*db.User, error) {
	user := db.User{}
	res := s.db.Where("email = ?", NormalizePrincipal(username)).First(&user)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(res.Error, "find user")
	}
	return &user, nil
}

func (s *Accounts) bcryptGen(pass string) (string, error) {
	passwordHashB, err := bcrypt.GenerateFromPassword([]byte(pass), 14)
	if err != nil {
		return "", errors.Wrap(err, "generate password hash")
	}
	return string(passwordHashB), nil
}

func (s *Accounts) bcryptCheck(hash, pass string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass))
}
