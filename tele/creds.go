package tele

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// SecretSource selects where Telegram API credentials come from.
type SecretSource struct {
	Provider string // "env", "keychain" or "command"

	// env provider
	APIID   int
	APIHash string

	// keychain provider (macOS security CLI)
	KeychainService     string
	KeychainAccountID   string
	KeychainAccountHash string

	// command provider
	CommandID   string
	CommandHash string
}

// Credentials are the Telegram application credentials.
type Credentials struct {
	APIID   int
	APIHash string
}

// LoadCredentials resolves api_id/api_hash from the configured provider.
func LoadCredentials(src SecretSource) (Credentials, error) {
	switch src.Provider {
	case "", "env":
		if src.APIID == 0 || src.APIHash == "" {
			return Credentials{}, fmt.Errorf("tele: api_id and api_hash must be configured (TGW_API_ID / TGW_API_HASH)")
		}
		return Credentials{APIID: src.APIID, APIHash: src.APIHash}, nil

	case "keychain":
		rawID, err := keychainSecret(src.KeychainService, src.KeychainAccountID)
		if err != nil {
			return Credentials{}, err
		}
		rawHash, err := keychainSecret(src.KeychainService, src.KeychainAccountHash)
		if err != nil {
			return Credentials{}, err
		}
		return parseCredentials(rawID, rawHash)

	case "command":
		rawID, err := commandSecret(src.CommandID)
		if err != nil {
			return Credentials{}, err
		}
		rawHash, err := commandSecret(src.CommandHash)
		if err != nil {
			return Credentials{}, err
		}
		return parseCredentials(rawID, rawHash)

	default:
		return Credentials{}, fmt.Errorf("tele: unknown secret provider %q", src.Provider)
	}
}

func parseCredentials(rawID, rawHash string) (Credentials, error) {
	id, err := strconv.Atoi(strings.TrimSpace(rawID))
	if err != nil {
		return Credentials{}, fmt.Errorf("tele: api_id is not numeric: %w", err)
	}
	hash := strings.TrimSpace(rawHash)
	if hash == "" {
		return Credentials{}, fmt.Errorf("tele: api_hash is empty")
	}
	return Credentials{APIID: id, APIHash: hash}, nil
}

func keychainSecret(service, account string) (string, error) {
	if service == "" || account == "" {
		return "", fmt.Errorf("tele: keychain provider needs service and account names")
	}
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		return "", fmt.Errorf("tele: keychain lookup %s/%s: %w", service, account, err)
	}
	return string(out), nil
}

func commandSecret(command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", fmt.Errorf("tele: command provider needs a command")
	}
	out, err := exec.Command(fields[0], fields[1:]...).Output()
	if err != nil {
		return "", fmt.Errorf("tele: secret command %q: %w", fields[0], err)
	}
	return string(out), nil
}
