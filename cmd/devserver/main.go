// Command devserver runs the Lambda handler behind a local HTTP server and
// adds a WebSocket endpoint for live state-change events. Development only;
// the deployed entrypoint is cmd/main.go.
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"duet-agent/handler"
	"duet-agent/internal/integrations/groq"
	"duet-agent/internal/integrations/paramstore"
	"duet-agent/internal/notify"
	"duet-agent/internal/repository"
	"duet-agent/internal/usecase"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "err", err)
	}

	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	userA := mustEnv("USER_A")
	userB := mustEnv("USER_B")
	listenAddr := envOr("LISTEN_ADDR", ":8080")
	cooldown := time.Duration(envInt("COOLDOWN_SECONDS", 30)) * time.Second

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	var groqOpts []groq.Option
	if baseURL := os.Getenv("GROQ_BASE_URL"); baseURL != "" {
		groqOpts = append(groqOpts, groq.WithBaseURL(baseURL))
	}
	groqClient, err := groq.NewClient(ssmClient, paramPrefix, groqOpts...)
	if err != nil {
		slog.Error("failed to create Groq client", "err", err)
		os.Exit(1)
	}

	hub := notify.NewHub()

	conversations, err := usecase.NewConversationService(stateClient, userA, userB, hub)
	if err != nil {
		slog.Error("failed to create conversation service", "err", err)
		os.Exit(1)
	}
	generator, err := usecase.NewGenerateService(groqClient, stateClient, ssmClient, paramPrefix, cooldown)
	if err != nil {
		slog.Error("failed to create generate service", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewHandler(conversations, generator)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.Any("/*", adaptLambda(h))
	e.GET("/ws", serveWS(hub))

	slog.Info("devserver listening", "addr", listenAddr)
	if err := e.Start(listenAddr); err != nil && err != http.ErrServerClosed {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

// adaptLambda turns an echo request into the API Gateway proxy event the
// Lambda handler consumes, so both entrypoints share one routing table.
func adaptLambda(h *handler.Handler) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
		}

		headers := make(map[string]string, len(c.Request().Header))
		for k := range c.Request().Header {
			headers[k] = c.Request().Header.Get(k)
		}
		query := make(map[string]string)
		for k, vs := range c.QueryParams() {
			if len(vs) > 0 {
				query[k] = vs[0]
			}
		}

		event := events.APIGatewayProxyRequest{
			HTTPMethod:            c.Request().Method,
			Path:                  c.Request().URL.Path,
			Headers:               headers,
			QueryStringParameters: query,
			Body:                  string(body),
		}

		resp, err := h.Handle(c.Request().Context(), event)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		for k, v := range resp.Headers {
			c.Response().Header().Set(k, v)
		}
		return c.String(resp.StatusCode, resp.Body)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local development server, any origin is fine.
		return true
	},
}

// serveWS upgrades the connection and streams the user's hub events over it.
func serveWS(hub *notify.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		user := c.QueryParam("user")
		if user == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "user query parameter is required")
		}

		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "err", err)
			return err
		}

		sub := hub.Subscribe(user)
		go writePump(ws, sub)
		go readPump(ws, hub, sub)
		return nil
	}
}

func writePump(ws *websocket.Conn, sub *notify.Subscriber) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case payload, ok := <-sub.Send:
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; it exists to notice disconnects.
func readPump(ws *websocket.Conn, hub *notify.Hub, sub *notify.Subscriber) {
	defer func() {
		hub.Unsubscribe(sub)
		ws.Close()
	}()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "user", sub.User, "err", err)
			}
			return
		}
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
