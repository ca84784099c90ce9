package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"github.com/hpungsan/courier/internal/platform"
)

func (c *Client) SendCode(ctx context.Context, phone string) (*platform.SentCode, error) {
	conn, err := c.wait(ctx, "send_code")
	if err != nil {
		return nil, err
	}
	sent, err := conn.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return nil, classifyAuth("send_code", err)
	}

	sc, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return nil, platform.Permanent("send_code", "UNEXPECTED_RESPONSE", fmt.Errorf("unexpected sent code %T", sent))
	}
	out := &platform.SentCode{Type: codeType(sc.Type), Hash: sc.PhoneCodeHash}
	if timeout, ok := sc.GetTimeout(); ok {
		out.Timeout = time.Duration(timeout) * time.Second
	}
	return out, nil
}

func codeType(t tg.AuthSentCodeTypeClass) platform.CodeType {
	switch t.(type) {
	case *tg.AuthSentCodeTypeApp:
		return platform.CodeApp
	case *tg.AuthSentCodeTypeSMS:
		return platform.CodeSMS
	case *tg.AuthSentCodeTypeCall:
		return platform.CodeCall
	case *tg.AuthSentCodeTypeFlashCall:
		return platform.CodeFlashCall
	}
	return platform.CodeUnknown
}

func (c *Client) VerifyCode(ctx context.Context, phone, codeHash, code string) (*platform.User, error) {
	conn, err := c.wait(ctx, "verify_code")
	if err != nil {
		return nil, err
	}
	a, err := conn.Auth().SignIn(ctx, phone, code, codeHash)
	if err != nil {
		return nil, classifyAuth("verify_code", err)
	}
	return authorizedUser("verify_code", a)
}

func (c *Client) SubmitPassword(ctx context.Context, password string) (*platform.User, error) {
	conn, err := c.wait(ctx, "submit_password")
	if err != nil {
		return nil, err
	}
	a, err := conn.Auth().Password(ctx, password)
	if err != nil {
		return nil, classifyAuth("submit_password", err)
	}
	return authorizedUser("submit_password", a)
}

func (c *Client) Self(ctx context.Context) (*platform.User, error) {
	conn, err := c.wait(ctx, "self")
	if err != nil {
		return nil, err
	}
	status, err := conn.Auth().Status(ctx)
	if err != nil {
		return nil, classify("self", err)
	}
	if !status.Authorized || status.User == nil {
		return nil, platform.ErrUnauthorized
	}
	return toUser(status.User), nil
}

func (c *Client) LogOut(ctx context.Context) error {
	conn, err := c.wait(ctx, "logout")
	if err != nil {
		return err
	}
	if _, err := conn.API().AuthLogOut(ctx); err != nil {
		return classify("logout", err)
	}
	return nil
}

func authorizedUser(op string, a *tg.AuthAuthorization) (*platform.User, error) {
	u, ok := a.User.(*tg.User)
	if !ok {
		return nil, platform.Permanent(op, "UNEXPECTED_RESPONSE", fmt.Errorf("unexpected user %T", a.User))
	}
	return toUser(u), nil
}

func toUser(u *tg.User) *platform.User {
	return &platform.User{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
	}
}
