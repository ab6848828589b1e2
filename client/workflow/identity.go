package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// userFile is the persisted client identity.
type userFile struct {
	UserID string `json:"user_id"`
}

// SaveUserID persists the registered id to user.json.
func SaveUserID(path string, userID int64) error {
	data, err := json.MarshalIndent(&userFile{UserID: strconv.FormatInt(userID, 10)}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("save user id: %w", err)
	}
	return nil
}

// LoadUserID reads the persisted id; ok is false when the client has
// never registered.
func LoadUserID(path string) (int64, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load user id: %w", err)
	}
	var uf userFile
	if err := json.Unmarshal(data, &uf); err != nil {
		return 0, false, fmt.Errorf("parse user file: %w", err)
	}
	id, err := strconv.ParseInt(uf.UserID, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse user id: %w", err)
	}
	return id, true, nil
}
