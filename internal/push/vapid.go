package push

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/friendchat/internal/logger"
)

// VAPIDKeys: пара ключей Web Push. Публичный ключ браузер получает через /api/config/client.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func (k *VAPIDKeys) complete() bool {
	return k != nil && k.PublicKey != "" && k.PrivateKey != ""
}

const defaultVAPIDKeysPath = "config/vapid.json"

// EnsureVAPIDKeys читает ключи из path (или VAPID_KEYS_FILE, или config/vapid.json).
// При первом запуске генерирует пару и сохраняет её, чтобы подписки браузеров пережили рестарт.
func EnsureVAPIDKeys(path string) (*VAPIDKeys, error) {
	if path == "" {
		path = os.Getenv("VAPID_KEYS_FILE")
	}
	if path == "" {
		path = defaultVAPIDKeysPath
	}
	keys, err := loadVAPIDKeys(path)
	switch {
	case err == nil && keys.complete():
		return keys, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		logger.Errorf("push: повреждён файл VAPID-ключей %s: %v, генерируем заново", path, err)
	}
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, err
	}
	keys = &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	if err := saveVAPIDKeys(path, keys); err != nil {
		// ключи рабочие, но после рестарта подписки придётся оформить заново
		logger.Errorf("push: не удалось сохранить VAPID-ключи в %s: %v", path, err)
		return keys, nil
	}
	logger.Infof("push: VAPID-ключи сгенерированы и сохранены в %s", path)
	return keys, nil
}

func loadVAPIDKeys(path string) (*VAPIDKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys VAPIDKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return &keys, nil
}

func saveVAPIDKeys(path string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
