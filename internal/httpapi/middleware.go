package httpapi

import (
	"net/http"
	"strings"

	"github.com/koscakluka/ema-calls/internal/telephony/twilio"
	"github.com/labstack/echo/v4"
)

const twilioParamsKey = "twilioParams"

// TwilioAuth rejects webhook requests whose X-Twilio-Signature does not
// match. The signed URL is rebuilt from publicBaseURL when set, otherwise
// from the request itself.
func TwilioAuth(authToken, publicBaseURL string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}

			form, err := c.FormParams()
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string, len(form))
			for key, values := range form {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			signature := c.Request().Header.Get("X-Twilio-Signature")
			requestURL := requestBaseURL(c, publicBaseURL) + c.Request().URL.RequestURI()
			if !twilio.ValidateSignature(authToken, requestURL, params, signature) {
				logger.WarnContext(c.Request().Context(), "rejected twilio webhook with invalid signature",
					"url", requestURL)
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}

			c.Set(twilioParamsKey, params)
			return next(c)
		}
	}
}

func requestBaseURL(c echo.Context, publicBaseURL string) string {
	if publicBaseURL != "" {
		return strings.TrimRight(publicBaseURL, "/")
	}
	return c.Scheme() + "://" + c.Request().Host
}

// streamURL is the websocket counterpart of the request's base URL.
func streamURL(c echo.Context, publicBaseURL string) string {
	base := requestBaseURL(c, publicBaseURL)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/twilio/stream"
}
