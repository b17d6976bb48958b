package telegram

import (
	"context"
	"strings"
	"syscall"

	"spectra/internal/infra/pr"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

// readLine выводит приглашение, читает строку из общего readline и обрезает
// пробелы по краям.
func readLine(prompt string) (string, error) {
	pr.SetPrompt(prompt)
	line, err := pr.Rl().Readline()
	return strings.TrimSpace(line), err
}

// terminalAuthenticator реализует auth.UserAuthenticator для пула аккаунтов.
// Каждое приглашение помечено именем аккаунта: при старте нескольких сессий
// пользователь должен понимать, какому номеру пришёл код.
type terminalAuthenticator struct {
	Account     string
	PhoneNumber string
}

// Phone возвращает номер из конфигурации аккаунта либо спрашивает его в
// консоли, если номер не задан. Формат не проверяется; ожидается E.164.
func (t terminalAuthenticator) Phone(_ context.Context) (string, error) {
	if t.PhoneNumber != "" {
		return t.PhoneNumber, nil
	}
	return readLine("[" + t.Account + "] Enter phone number: ")
}

// Code запрашивает код подтверждения у пользователя.
func (t terminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return readLine("[" + t.Account + "] Enter the code from Telegram: ")
}

// Password считывает пароль двухфакторной аутентификации без отображения
// вводимых символов.
func (t terminalAuthenticator) Password(_ context.Context) (string, error) {
	pr.Printf("[%s] Enter 2FA password: ", t.Account)
	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	pr.Println()
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

// AcceptTermsOfService выводит текст условий использования и запрашивает
// согласие. Принимаются только ответы "y"/"Y".
func (t terminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	pr.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := readLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if resp != "y" && resp != "Y" {
		return errors.New("user did not accept terms of service")
	}
	return nil
}

// SignUp вызывается для незарегистрированного номера: собирает имя и
// опциональную фамилию.
func (t terminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	firstName, err := readLine("[" + t.Account + "] Enter your first name: ")
	if err != nil {
		return auth.UserInfo{}, err
	}
	lastName, _ := readLine("[" + t.Account + "] Enter your last name (optional): ")
	return auth.UserInfo{FirstName: firstName, LastName: lastName}, nil
}
