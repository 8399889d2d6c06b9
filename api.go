package liveql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// http client for the platform's auth endpoints. this is the excluded
// auth-flow collaborator at its interface boundary: the session core only ever
// sees the refresh token string these calls produce.

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	callback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

type PlatformApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	appId  string
}

func NewPlatformApi(apiUrl string, appId string) *PlatformApi {
	return NewPlatformApiWithContext(context.Background(), apiUrl, appId)
}

func NewPlatformApiWithContext(ctx context.Context, apiUrl string, appId string) *PlatformApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PlatformApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
		appId:  appId,
	}
}

type SendMagicCodeCallback apiCallback[*SendMagicCodeResult]

type SendMagicCodeArgs struct {
	AppId string `json:"app-id"`
	Email string `json:"email"`
}

type SendMagicCodeResult struct {
	Sent bool `json:"sent,omitempty"`
}

func (self *PlatformApi) SendMagicCode(sendMagicCode *SendMagicCodeArgs, callback SendMagicCodeCallback) {
	sendMagicCode.AppId = self.appId
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/send-magic-code", self.apiUrl),
		sendMagicCode,
		&SendMagicCodeResult{},
		callback,
	)
}

func (self *PlatformApi) SendMagicCodeSync(sendMagicCode *SendMagicCodeArgs) (*SendMagicCodeResult, error) {
	sendMagicCode.AppId = self.appId
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/send-magic-code", self.apiUrl),
		sendMagicCode,
		&SendMagicCodeResult{},
		NewNoopApiCallback[*SendMagicCodeResult](),
	)
}

type VerifyMagicCodeCallback apiCallback[*VerifyMagicCodeResult]

type VerifyMagicCodeArgs struct {
	AppId string `json:"app-id"`
	Email string `json:"email"`
	Code  string `json:"code"`
}

type VerifyMagicCodeResult struct {
	User *User `json:"user,omitempty"`
}

func (self *PlatformApi) VerifyMagicCode(verifyMagicCode *VerifyMagicCodeArgs, callback VerifyMagicCodeCallback) {
	verifyMagicCode.AppId = self.appId
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/verify-magic-code", self.apiUrl),
		verifyMagicCode,
		&VerifyMagicCodeResult{},
		callback,
	)
}

func (self *PlatformApi) VerifyMagicCodeSync(verifyMagicCode *VerifyMagicCodeArgs) (*VerifyMagicCodeResult, error) {
	verifyMagicCode.AppId = self.appId
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/verify-magic-code", self.apiUrl),
		verifyMagicCode,
		&VerifyMagicCodeResult{},
		NewNoopApiCallback[*VerifyMagicCodeResult](),
	)
}

type ExchangeRefreshTokenCallback apiCallback[*ExchangeRefreshTokenResult]

type ExchangeRefreshTokenArgs struct {
	AppId        string `json:"app-id"`
	RefreshToken string `json:"refresh-token"`
}

type ExchangeRefreshTokenResult struct {
	User *User `json:"user,omitempty"`
}

func (self *PlatformApi) ExchangeRefreshToken(exchangeRefreshToken *ExchangeRefreshTokenArgs, callback ExchangeRefreshTokenCallback) {
	exchangeRefreshToken.AppId = self.appId
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/refresh", self.apiUrl),
		exchangeRefreshToken,
		&ExchangeRefreshTokenResult{},
		callback,
	)
}

func (self *PlatformApi) ExchangeRefreshTokenSync(exchangeRefreshToken *ExchangeRefreshTokenArgs) (*ExchangeRefreshTokenResult, error) {
	exchangeRefreshToken.AppId = self.appId
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/refresh", self.apiUrl),
		exchangeRefreshToken,
		&ExchangeRefreshTokenResult{},
		NewNoopApiCallback[*ExchangeRefreshTokenResult](),
	)
}

func (self *PlatformApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
