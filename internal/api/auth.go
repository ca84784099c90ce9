package api

import (
	"context"
	"encoding/json"

	"github.com/hpungsan/courier/internal/platform"
)

type sendCodeParams struct {
	Phone string `json:"phone"`
}

type verifyCodeParams struct {
	Code string `json:"code"`
}

type sendPasswordParams struct {
	Password string `json:"password"`
}

func (s *Service) authMethods() []*Method {
	return []*Method{
		{
			Name:        "auth.status",
			Description: "Report whether the account is signed in, and as whom.",
			Public:      true,
			Call:        s.authStatus,
		},
		{
			Name:        "auth.sendCode",
			Description: "Ask the platform to send a login code to a phone number.",
			Params: []Param{
				{Name: "phone", Type: "string", Required: true, Description: "Phone number in international format"},
			},
			Public: true,
			Call:   s.authSendCode,
		},
		{
			Name:        "auth.verifyCode",
			Description: "Submit the login code. Reports whether a password is needed next.",
			Params: []Param{
				{Name: "code", Type: "string", Required: true, Description: "Code received from the platform"},
			},
			Public: true,
			Call:   s.authVerifyCode,
		},
		{
			Name:        "auth.sendPassword",
			Description: "Submit the two-step verification password.",
			Params: []Param{
				{Name: "password", Type: "string", Required: true, Description: "Account password"},
			},
			Public: true,
			Call:   s.authSendPassword,
		},
		{
			Name:        "auth.logout",
			Description: "Sign the account out and forget the stored session.",
			Call:        s.authLogout,
		},
	}
}

func (s *Service) authStatus(_ context.Context, _ json.RawMessage) (any, error) {
	st := s.Session.Status()
	out := AuthStatus{Authorized: st.Authorized(), State: string(st.State)}
	if st.User != nil {
		out.User = toUser(st.User)
	}
	return out, nil
}

func toUser(u *platform.User) *User {
	return &User{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Username: u.Username}
}

func (s *Service) authSendCode(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[sendCodeParams](params)
	if err != nil {
		return nil, err
	}
	codeType, err := s.Session.RequestCode(ctx, p.Phone)
	if err != nil {
		return nil, err
	}
	return SendCodeResult{CodeType: string(codeType)}, nil
}

func (s *Service) authVerifyCode(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[verifyCodeParams](params)
	if err != nil {
		return nil, err
	}
	res, err := s.Session.SubmitCode(ctx, p.Code)
	if err != nil {
		return nil, err
	}
	return VerifyCodeResult{Authorized: res.Authorized, PasswordNeeded: res.PasswordNeeded}, nil
}

func (s *Service) authSendPassword(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[sendPasswordParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.Session.SubmitPassword(ctx, p.Password); err != nil {
		return nil, err
	}
	return empty{}, nil
}

func (s *Service) authLogout(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := s.Session.Logout(ctx); err != nil {
		return nil, err
	}
	return empty{}, nil
}
