// Package apierr 把领域错误映射为 HTTP 状态码。
package apierr

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/zhouzirui/z-assistant/internal/service/capture"
	"github.com/zhouzirui/z-assistant/internal/service/chat"
	"github.com/zhouzirui/z-assistant/internal/service/realtime"
	"github.com/zhouzirui/z-assistant/pkg/utils"
)

type mapping struct {
	target error
	status int
	code   string
}

// 顺序即优先级：ErrSendFailed 包裹通道错误，需要先匹配通道错误
var mappings = []mapping{
	{realtime.ErrChannelNotConnected, http.StatusServiceUnavailable, "not_connected"},
	{realtime.ErrNotConnected, http.StatusServiceUnavailable, "not_connected"},
	{realtime.ErrConnectionLost, http.StatusServiceUnavailable, "connection_lost"},
	{realtime.ErrReconnectExhausted, http.StatusServiceUnavailable, "reconnect_failed"},
	{realtime.ErrUnknownChannel, http.StatusNotFound, "unknown_channel"},
	{realtime.ErrClosed, http.StatusServiceUnavailable, "closed"},
	{realtime.ErrRequestTimeout, http.StatusGatewayTimeout, "timeout"},
	{realtime.ErrRequestSuperseded, http.StatusConflict, "superseded"},
	{realtime.ErrProtocol, http.StatusBadGateway, "protocol"},
	{chat.ErrEmptyMessage, http.StatusBadRequest, "empty_message"},
	{chat.ErrEmptyTranscript, http.StatusUnprocessableEntity, "empty_transcript"},
	{chat.ErrPlaybackBusy, http.StatusConflict, "playback_busy"},
	{chat.ErrEntryNotFound, http.StatusNotFound, "entry_not_found"},
	{chat.ErrNoMedia, http.StatusUnprocessableEntity, "no_media"},
	{chat.ErrNoPlayer, http.StatusNotImplemented, "no_player"},
	{chat.ErrNoSpeech, http.StatusNotImplemented, "no_speech"},
	{chat.ErrClosed, http.StatusServiceUnavailable, "closed"},
	{capture.ErrBusy, http.StatusConflict, "recording_busy"},
	{capture.ErrNotRecording, http.StatusConflict, "not_recording"},
	{capture.ErrNoRecording, http.StatusConflict, "no_recording"},
	{capture.ErrTooShort, http.StatusUnprocessableEntity, "too_short"},
	{capture.ErrTooLarge, http.StatusUnprocessableEntity, "too_large"},
	{capture.ErrPermissionDenied, http.StatusForbidden, "permission_denied"},
	{capture.ErrUnsupported, http.StatusNotImplemented, "unsupported"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

// Status 返回错误对应的状态码与错误码
func Status(err error) (int, string) {
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// Respond 写出错误响应
func Respond(w http.ResponseWriter, err error) {
	status, code := Status(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Printf("[http] request failed: %v", err)
	}
	utils.RespondErrorBody(w, status, utils.ErrorBody{
		Error:     err.Error(),
		Code:      code,
		Retryable: status == http.StatusServiceUnavailable,
	})
}
