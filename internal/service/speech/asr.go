package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/config"
)

const (
	defaultASREndpoint   = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	defaultASRResourceID = "volc.bigasr.sauc.duration"

	// 16kHz、16bit 单声道下约 200ms 的音频
	audioChunkBytes    = 6400
	audioChunkPacing   = 200 * time.Millisecond
	firstAudioSequence = 2
)

// volcengineASR 通过火山引擎大模型流式识别接口把整段音频转成文本。
type volcengineASR struct {
	cfg    config.SpeechConfig
	dialer *websocket.Dialer
	logger *zap.Logger
	pacing time.Duration
}

func newVolcengineASR(cfg config.SpeechConfig, logger *zap.Logger) *volcengineASR {
	return &volcengineASR{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger: logger,
		pacing: audioChunkPacing,
	}
}

type asrConfigPayload struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName  string `json:"model_name"`
		EnableITN  bool   `json:"enable_itn"`
		EnablePunc bool   `json:"enable_punc"`
		ResultType string `json:"result_type,omitempty"`
	} `json:"request"`
}

type asrResult struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances,omitempty"`
	} `json:"result"`
}

func (a *volcengineASR) endpoint() string {
	if a.cfg.Endpoint != "" {
		return a.cfg.Endpoint
	}
	return defaultASREndpoint
}

func (a *volcengineASR) resourceID() string {
	if a.cfg.ResourceID != "" {
		return a.cfg.ResourceID
	}
	return defaultASRResourceID
}

// recognize 发送配置帧和分包音频，返回最终文本。
func (a *volcengineASR) recognize(ctx context.Context, audio []byte, format string) (string, error) {
	appID := strings.TrimSpace(a.cfg.AppID)
	token := strings.TrimSpace(a.cfg.AccessToken)
	if appID == "" || token == "" {
		return "", fmt.Errorf("火山引擎语音配置缺少 AppID 或 AccessToken")
	}

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", a.resourceID())
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := a.dialer.DialContext(ctx, a.endpoint(), header)
	if err != nil {
		return "", fmt.Errorf("connect to ASR: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		a.logger.Debug("asr connected", zap.String("connect_id", connectID), zap.String("logid", resp.Header.Get("X-Tt-Logid")))
	}

	payload, err := json.Marshal(a.buildConfig(connectID, format))
	if err != nil {
		return "", fmt.Errorf("marshal ASR config: %w", err)
	}
	packed, err := gzipBytes(payload)
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(newConfigFrame(packed))); err != nil {
		return "", fmt.Errorf("send ASR config: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 读写并发进行，服务端提前报错时可以立即停止发送
	sendErr := make(chan error, 1)
	go func() { sendErr <- a.sendAudio(ctx, conn, audio) }()

	type outcome struct {
		text string
		err  error
	}
	recv := make(chan outcome, 1)
	go func() {
		text, err := a.receive(conn)
		recv <- outcome{text: text, err: err}
	}()

	for {
		select {
		case err := <-sendErr:
			if err != nil {
				return "", fmt.Errorf("send audio: %w", err)
			}
			sendErr = nil
		case out := <-recv:
			return out.text, out.err
		case <-ctx.Done():
			// 关闭连接让接收协程退出
			_ = conn.Close()
			return "", ctx.Err()
		}
	}
}

func (a *volcengineASR) buildConfig(uid, format string) *asrConfigPayload {
	cfg := &asrConfigPayload{}
	cfg.User.UID = uid
	cfg.Audio.Format = format
	if cfg.Audio.Format == "" {
		cfg.Audio.Format = "ogg"
	}
	cfg.Audio.Language = a.cfg.Language
	cfg.Audio.Rate = 16000
	cfg.Audio.Bits = 16
	cfg.Audio.Channel = 1
	if cfg.Audio.Format == "ogg" {
		cfg.Audio.Codec = "opus"
	}
	cfg.Request.ModelName = "bigmodel"
	cfg.Request.EnableITN = true
	cfg.Request.EnablePunc = true
	cfg.Request.ResultType = "full"
	return cfg
}

func (a *volcengineASR) sendAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	seq := int32(firstAudioSequence)
	for start := 0; start < len(audio); start += audioChunkBytes {
		end := min(start+audioChunkBytes, len(audio))
		last := end >= len(audio)

		packed, err := gzipBytes(audio[start:end])
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(newAudioFrame(packed, seq, last))); err != nil {
			return err
		}
		seq++
		if last {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.pacing):
		}
	}
	return nil
}

func (a *volcengineASR) receive(conn *websocket.Conn) (string, error) {
	var text string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read ASR response: %w", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return "", fmt.Errorf("decode ASR frame: %w", err)
		}

		switch f.Header.Type {
		case serverError:
			body, _ := payloadOf(f)
			return "", fmt.Errorf("ASR error %d: %s", f.ErrorCode, string(body))
		case fullServerResponse:
			body, err := payloadOf(f)
			if err != nil {
				return "", err
			}
			var res asrResult
			if err := json.Unmarshal(body, &res); err != nil {
				a.logger.Debug("asr response not json", zap.Error(err))
				continue
			}
			if res.Code != 0 && res.Code != 20000000 {
				return "", fmt.Errorf("ASR API error %d: %s", res.Code, res.Message)
			}
			if candidate := res.text(); candidate != "" {
				text = candidate
			}
			if f.last() || res.Sequence < 0 {
				return text, nil
			}
		default:
			// 音频 ACK 等忽略
		}
	}
}

func (r asrResult) text() string {
	if t := strings.TrimSpace(r.Result.Text); t != "" {
		return t
	}
	parts := make([]string, 0, len(r.Result.Utterances))
	for _, u := range r.Result.Utterances {
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
