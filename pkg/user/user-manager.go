package user

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

type authenticatedUsers struct {
	users map[string]string
	mutex sync.Mutex
}

// UserManager guards the event stream with a password file of
// "username:bcrypt-hash" lines. A user may hold one connection at a time.
type UserManager struct {
	PwFile string
	// Cost is the bcrypt cost for new passwords; zero means hashCost.
	Cost int

	mu                 sync.RWMutex
	users              map[string]string   // keys: username / values: password hash
	authenticatedUsers *authenticatedUsers // keys: username / values: ip address
}

type Credential struct {
	Username string
	Password string
}

var (
	ErrInvalidUsername     = errors.New("username is invalid. it can contains letters, numbers and underscores but should starts with a letter")
	ErrUsernameExists      = errors.New("username exists")
	ErrUnknownUser         = errors.New("unknown username")
	ErrPasswordMismatch    = errors.New("password does not match")
	ErrEmptyPassword       = errors.New("password is empty")
	ErrPwFileContentFormat = errors.New("something is wrong with the password file content format")
)

const (
	columnSep  = ":"
	hashCost   = 14
	pwFileMode = 0600
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z]\w*$`)

func (m *UserManager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users = make(map[string]string)
	m.authenticatedUsers = &authenticatedUsers{users: make(map[string]string)}

	f, err := os.OpenFile(m.PwFile, os.O_CREATE|os.O_RDONLY, pwFileMode)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		userFields := strings.Split(line, columnSep)
		if len(userFields) != 2 || userFields[0] == "" || userFields[1] == "" {
			subErr := fmt.Errorf("(len: %d, fields: %v)", len(userFields), userFields)
			return errors.Join(ErrPwFileContentFormat, subErr)
		}
		m.users[userFields[0]] = userFields[1]
	}

	return scanner.Err()
}

// Users lists the known usernames, sorted.
func (m *UserManager) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.users))
	for u := range m.users {
		names = append(names, u)
	}
	sort.Strings(names)
	return names
}

// PromptCredential asks for a new username and a confirmed password on out,
// reading the answers from in.
func (m *UserManager) PromptCredential(in io.Reader, out io.Writer) (*Credential, error) {
	r := bufio.NewReader(in)
	ask := func(q string) (string, error) {
		fmt.Fprint(out, q)
		line, err := r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}

	var username string
	for {
		u, err := ask("Enter username: ")
		if err != nil {
			return nil, err
		}
		if err := m.checkNewUsername(u); err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		username = u
		break
	}

	password, err := ask(fmt.Sprintf("Password for %s: ", username))
	if err != nil {
		return nil, err
	}
	confirm, err := ask(fmt.Sprintf("Confirm password for %s: ", username))
	if err != nil {
		return nil, err
	}
	if password != confirm {
		return nil, ErrPasswordMismatch
	}

	return &Credential{Username: username, Password: password}, nil
}

func (m *UserManager) checkNewUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.users[username]; ok {
		return ErrUsernameExists
	}
	return nil
}

func (m *UserManager) CreateUser(cred Credential) error {
	if err := m.checkNewUsername(cred.Username); err != nil {
		return err
	}
	if cred.Password == "" {
		return ErrEmptyPassword
	}

	hashPass, err := m.hashPassword(cred.Password)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// another create may have won while we were hashing
	if _, ok := m.users[cred.Username]; ok {
		return ErrUsernameExists
	}

	userRecord := cred.Username + columnSep + hashPass + "\n"
	f, err := os.OpenFile(m.PwFile, os.O_APPEND|os.O_WRONLY, pwFileMode)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.WriteString(userRecord); err != nil {
		return err
	}

	m.users[cred.Username] = hashPass
	return nil
}

// PromptUsername asks for the user to delete.
func PromptUsername(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Enter username to DELETE: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (m *UserManager) DeleteUser(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[username]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownUser, username)
	}
	delete(m.users, username)

	originalPw, err := os.OpenFile(m.PwFile, os.O_RDONLY, pwFileMode)
	if err != nil {
		return err
	}
	defer originalPw.Close()

	tmpPw, err := os.CreateTemp(filepath.Dir(m.PwFile), "pwfile_*.tmp")
	if err != nil {
		return err
	}
	defer tmpPw.Close()
	defer os.Remove(tmpPw.Name())

	scanner := bufio.NewScanner(originalPw)
	writer := bufio.NewWriter(tmpPw)

	for scanner.Scan() {
		line := scanner.Text()
		userFields := strings.Split(line, columnSep)

		if len(userFields) != 2 || userFields[0] == "" || userFields[1] == "" || userFields[0] == username {
			continue
		}

		if _, err = writer.WriteString(line + "\n"); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	if err := writer.Flush(); err != nil {
		return err
	}

	if err := os.Rename(tmpPw.Name(), m.PwFile); err != nil {
		return err
	}

	return os.Chmod(m.PwFile, pwFileMode)
}

func (m *UserManager) CheckUserPassword(username, password string) bool {
	m.mu.RLock()
	passwordHash, ok := m.users[username]
	m.mu.RUnlock()

	if ok {
		return m.checkPasswordHash(password, passwordHash)
	}

	return false
}

func (m *UserManager) CheckUserIP(username, ipAddr string) bool {
	m.authenticatedUsers.mutex.Lock()
	defer m.authenticatedUsers.mutex.Unlock()
	if userIP, ok := m.authenticatedUsers.users[username]; ok {
		return ipAddr == userIP
	}
	return false
}

// Set username/ip to the authenticated users map.
// returns false if the user not exists or it already exists in authenticated users map.
func (m *UserManager) SetAuthenticatedUser(username, ip string) (ok bool) {
	m.mu.RLock()
	_, known := m.users[username]
	m.mu.RUnlock()
	if !known {
		return false
	}

	m.authenticatedUsers.mutex.Lock()
	defer m.authenticatedUsers.mutex.Unlock()
	if _, ok := m.authenticatedUsers.users[username]; !ok {
		m.authenticatedUsers.users[username] = ip
		return true
	}

	return false
}

// Removes username from authenticated users map.
func (m *UserManager) UnsetAuthenticatedUser(username string) {
	m.authenticatedUsers.mutex.Lock()
	defer m.authenticatedUsers.mutex.Unlock()
	delete(m.authenticatedUsers.users, username)
}

func (m *UserManager) hashPassword(password string) (string, error) {
	cost := m.Cost
	if cost == 0 {
		cost = hashCost
	}
	byts, err := bcrypt.GenerateFromPassword([]byte(password), cost)

	return string(byts), err
}

func (m *UserManager) checkPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
