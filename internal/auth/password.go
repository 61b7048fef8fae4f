package auth

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default cost for bcrypt hashing.
	DefaultBcryptCost = 12

	// MinPasswordLength is the shortest accepted password.
	MinPasswordLength = 8
	// MaxPasswordBytes is bcrypt's input limit.
	MaxPasswordBytes = 72

	maxSimilarity = 0.7
)

// PasswordHasher provides password hashing and verification functionality.
type PasswordHasher struct {
	cost int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewPasswordHasher creates a new PasswordHasher with the given bcrypt cost.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash generates a bcrypt hash of the given password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// Verify checks if the provided password matches the hash.
func (h *PasswordHasher) Verify(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// VerifyDummy spends the same time as Verify against a throwaway hash, so
// unknown usernames cannot be told apart from wrong passwords by latency.
func (h *PasswordHasher) VerifyDummy(password string) {
	h.dummyOnce.Do(func() {
		h.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("planner-dummy-password"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
}

// ValidatePasswordStrength returns the reasons password is unacceptable,
// or nil. attributes are user fields such as username and email that the
// password must not resemble.
func ValidatePasswordStrength(password string, attributes map[string]string) []string {
	var problems []string

	if len([]rune(password)) < MinPasswordLength {
		problems = append(problems, fmt.Sprintf("This password is too short. It must contain at least %d characters.", MinPasswordLength))
	}
	if len(password) > MaxPasswordBytes {
		problems = append(problems, fmt.Sprintf("This password is too long. It must contain at most %d bytes.", MaxPasswordBytes))
	}
	if password != "" && isNumeric(password) {
		problems = append(problems, "This password is entirely numeric.")
	}
	if _, ok := commonPasswords[strings.ToLower(strings.TrimSpace(password))]; ok {
		problems = append(problems, "This password is too common.")
	}
	for _, name := range []string{"username", "email"} {
		if tooSimilar(password, attributes[name]) {
			problems = append(problems, fmt.Sprintf("The password is too similar to the %s.", name))
			break
		}
	}
	return problems
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

var attributeParts = regexp.MustCompile(`\W+`)

// tooSimilar compares the password with the attribute and with each of its
// word parts, so "alice" is caught in both "alice" and "alice@example.com".
func tooSimilar(password, attribute string) bool {
	if password == "" || attribute == "" {
		return false
	}
	pw := strings.ToLower(password)
	candidates := append([]string{attribute}, attributeParts.Split(attribute, -1)...)
	for _, part := range candidates {
		part = strings.ToLower(part)
		if len(part) < 3 {
			continue
		}
		if quickRatio(pw, part) >= maxSimilarity {
			return true
		}
	}
	return false
}

// quickRatio is an upper bound on sequence similarity: twice the number of
// shared characters over the combined length.
func quickRatio(a, b string) float64 {
	total := len([]rune(a)) + len([]rune(b))
	if total == 0 {
		return 1
	}
	counts := make(map[rune]int)
	for _, r := range b {
		counts[r]++
	}
	matches := 0
	for _, r := range a {
		if counts[r] > 0 {
			counts[r]--
			matches++
		}
	}
	return 2 * float64(matches) / float64(total)
}

var commonPasswords = map[string]struct{}{}

func init() {
	for _, p := range strings.Fields(`
		password password1 password12 password123 passw0rd p@ssw0rd p@ssword
		12345678 123456789 1234567890 87654321 11111111 00000000 12341234
		qwerty qwertyui qwertyuiop qwerty123 qwerty12 1q2w3e4r 1qaz2wsx zaq12wsx
		abc12345 abcd1234 abcdefgh iloveyou iloveyou1 sunshine princess football
		baseball superman batman starwars whatever trustno1 letmein letmein1
		welcome welcome1 welcome123 admin123 administrator changeme monkey123
		dragon123 master123 shadow123 michael1 jennifer computer internet
		freedom1 asdfghjk asdfasdf zxcvbnm1 zxcvbnm123 secret123 default1
	`) {
		commonPasswords[p] = struct{}{}
	}
}
