// Пакет sealed — шифрование метаданных транзакции паролем (age, scrypt).
// Пароль используется только для шифрования и никогда не сохраняется.
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

// header — начало любого файла в формате age v1.
const header = "age-encryption.org/v1\n"

// DefaultWorkFactor — log2 параметра N для scrypt.
const DefaultWorkFactor = 15

// ErrWrongPassword — пароль не подходит к зашифрованным данным.
var ErrWrongPassword = errors.New("неверный пароль")

// Sealer шифрует и расшифровывает данные паролем.
type Sealer struct {
	workFactor int
}

// New создаёт Sealer с указанным work factor scrypt (log2 N).
// Значение <= 0 заменяется на DefaultWorkFactor.
func New(workFactor int) *Sealer {
	if workFactor <= 0 {
		workFactor = DefaultWorkFactor
	}
	return &Sealer{workFactor: workFactor}
}

// Seal шифрует plaintext паролем password.
func (s *Sealer) Seal(plaintext []byte, password string) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(password)
	if err != nil {
		return nil, fmt.Errorf("создание scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(s.workFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("создание age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("запись в age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("завершение шифрования: %w", err)
	}
	return buf.Bytes(), nil
}

// Open расшифровывает ciphertext паролем password.
// Неверный пароль возвращает ошибку, обёртывающую ErrWrongPassword.
func (s *Sealer) Open(ciphertext []byte, password string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(password)
	if err != nil {
		return nil, fmt.Errorf("создание scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, fmt.Errorf("расшифровка: %w", ErrWrongPassword)
		}
		return nil, fmt.Errorf("расшифровка: %w", err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("чтение расшифрованных данных: %w", err)
	}
	return plaintext, nil
}

// IsSealed сообщает, зашифрованы ли данные (по заголовку age).
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(header))
}
