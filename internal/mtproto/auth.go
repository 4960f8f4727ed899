package mtproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"relay_bot/internal/logger"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// promptTimeout 等待终端输入验证码的上限
const promptTimeout = 2 * time.Minute

// PromptFunc 向操作者索取一行输入（验证码、二步验证密码）
type PromptFunc func(ctx context.Context, label string) (string, error)

// ConsolePrompt 从标准输入读取
func ConsolePrompt(ctx context.Context, label string) (string, error) {
	return readLine(ctx, os.Stdin, label)
}

func readLine(ctx context.Context, r io.Reader, label string) (string, error) {
	fmt.Printf("Enter %s: ", label)

	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		if err != nil && line == "" {
			errCh <- fmt.Errorf("failed to read %s: %w", label, err)
			return
		}
		lineCh <- strings.TrimSpace(line)
	}()

	timer := time.NewTimer(promptTimeout)
	defer timer.Stop()

	select {
	case line := <-lineCh:
		return line, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("%s input cancelled: %w", label, ctx.Err())
	case <-timer.C:
		return "", fmt.Errorf("%s input timeout", label)
	}
}

// authenticate 会话未授权时走手机号登录流程
// 未配置密码而账号开启了二步验证时，从终端索取密码
func (c *Client) authenticate(ctx context.Context) error {
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to check auth status: %w", err)
	}
	if status.Authorized {
		logger.L().Info("MTProto session restored from storage")
		return nil
	}

	logger.L().Infof("MTProto session not authorized, starting login: phone=%s", maskPhone(c.cfg.Phone))
	flow := auth.NewFlow(
		auth.Constant(c.cfg.Phone, c.cfg.Password, auth.CodeAuthenticatorFunc(
			func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
				logger.L().Info("Login code has been sent")
				return c.prompt(ctx, "login code")
			},
		)),
		auth.SendCodeOptions{},
	)

	err = c.client.Auth().IfNecessary(ctx, flow)
	if errors.Is(err, auth.ErrPasswordNotProvided) {
		password, promptErr := c.prompt(ctx, "2FA password")
		if promptErr != nil {
			return fmt.Errorf("failed to get 2FA password: %w", promptErr)
		}
		if _, err = c.client.Auth().Password(ctx, password); err != nil {
			return fmt.Errorf("2FA authentication failed: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	logger.L().Info("MTProto authentication successful")
	return nil
}

// maskPhone 日志中只保留手机号末四位
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
