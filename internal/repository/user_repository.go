package repository

import (
	"context"
	"errors"
	"fmt"

	"vaultsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const kindUser = "user"

type UserRepository interface {
	Create(user *domain.User) error
	FindByID(id string) (*domain.User, error)
	FindByEmail(email string) (*domain.User, error)
	EmailExists(email string) (bool, error)
	UsernameExists(username string) (bool, error)
	Delete(id string) error
}

type userRepository struct {
	client *kivik.Client
	dbName string
}

func NewUserRepository(client *kivik.Client, dbName string) UserRepository {
	return &userRepository{
		client: client,
		dbName: dbName,
	}
}

func userDocID(id string) string {
	return fmt.Sprintf("user:%s", id)
}

func (r *userRepository) Create(user *domain.User) error {
	db := r.client.DB(r.dbName)

	user.Kind = kindUser
	if _, err := db.Put(context.Background(), userDocID(user.ID), user); err != nil {
		return wrapKivikError("failed to create user", err)
	}

	return nil
}

func (r *userRepository) FindByID(id string) (*domain.User, error) {
	db := r.client.DB(r.dbName)

	row := db.Get(context.Background(), userDocID(id))

	var user domain.User
	if err := row.ScanDoc(&user); err != nil {
		return nil, wrapKivikError("failed to find user", err)
	}

	return &user, nil
}

func (r *userRepository) FindByEmail(email string) (*domain.User, error) {
	return r.findOne(map[string]interface{}{
		"kind":  kindUser,
		"email": email,
	})
}

func (r *userRepository) findOne(selector map[string]interface{}) (*domain.User, error) {
	db := r.client.DB(r.dbName)

	rows := db.Find(context.Background(), map[string]interface{}{
		"selector": selector,
		"limit":    1,
	})
	if err := rows.Err(); err != nil {
		return nil, wrapKivikError("failed to query user", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("failed to query user: %w", ErrNotFound)
	}

	var user domain.User
	if err := rows.ScanDoc(&user); err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	return &user, nil
}

func (r *userRepository) EmailExists(email string) (bool, error) {
	_, err := r.FindByEmail(email)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *userRepository) UsernameExists(username string) (bool, error) {
	_, err := r.findOne(map[string]interface{}{
		"kind":     kindUser,
		"username": username,
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *userRepository) Delete(id string) error {
	db := r.client.DB(r.dbName)
	docID := userDocID(id)

	var rawDoc map[string]interface{}
	row := db.Get(context.Background(), docID)
	if err := row.ScanDoc(&rawDoc); err != nil {
		return wrapKivikError("failed to delete user", err)
	}

	rev, _ := rawDoc["_rev"].(string)
	if _, err := db.Delete(context.Background(), docID, rev); err != nil {
		return wrapKivikError("failed to delete user", err)
	}

	return nil
}
