package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"payu-gateway/internal/signature"

	"github.com/joho/godotenv"
)

const (
	SandboxURL    = "https://secure.snd.payu.com/"
	ProductionURL = "https://secure.payu.com/"

	MethodREST = "REST"
	MethodPOST = "POST"

	ConfirmPush = "PUSH"
	ConfirmPull = "PULL"
)

// PayU holds the gateway credentials and behaviour switches.
type PayU struct {
	APIURL             string
	PosID              int
	SecondKey          string
	OAuthID            string
	OAuthSecret        string
	Algorithm          string
	PaywallMethod      string
	ConfirmationMethod string
}

type Config struct {
	DBHost        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBPort        string
	AppPort       string
	AppEnv        string
	JWTSecret     string
	PublicBaseURL string
	SuccessURL    string
	FailureURL    string
	PayU          PayU
}

func LoadConfig() *Config {
	_ = godotenv.Load()

	apiURL := os.Getenv("PAYU_API_URL")
	if apiURL == "" {
		apiURL = ProductionURL
		if sandbox, _ := strconv.ParseBool(getenv("PAYU_SANDBOX", "true")); sandbox {
			apiURL = SandboxURL
		}
	}
	posID, _ := strconv.Atoi(os.Getenv("PAYU_POS_ID"))

	return &Config{
		DBHost:        os.Getenv("DB_HOST"),
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBName:        os.Getenv("DB_NAME"),
		DBPort:        os.Getenv("DB_PORT"),
		AppPort:       getenv("APP_PORT", "8080"),
		AppEnv:        os.Getenv("APP_ENV"),
		JWTSecret:     os.Getenv("SECRET_KEY"),
		PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		SuccessURL:    os.Getenv("SUCCESS_URL"),
		FailureURL:    os.Getenv("FAILURE_URL"),
		PayU: PayU{
			APIURL:             apiURL,
			PosID:              posID,
			SecondKey:          os.Getenv("PAYU_SECOND_KEY"),
			OAuthID:            os.Getenv("PAYU_OAUTH_ID"),
			OAuthSecret:        os.Getenv("PAYU_OAUTH_SECRET"),
			Algorithm:          strings.ToUpper(getenv("PAYU_ALGORITHM", "SHA-256")),
			PaywallMethod:      strings.ToUpper(getenv("PAYU_PAYWALL_METHOD", MethodREST)),
			ConfirmationMethod: strings.ToUpper(getenv("PAYU_CONFIRMATION_METHOD", ConfirmPush)),
		},
	}
}

// Validate reports every missing or invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.DBHost == "" {
		errs = append(errs, errors.New("DB_HOST is not set"))
	}
	if c.PayU.PosID <= 0 {
		errs = append(errs, errors.New("PAYU_POS_ID must be a positive integer"))
	}
	if c.PayU.SecondKey == "" {
		errs = append(errs, errors.New("PAYU_SECOND_KEY is not set"))
	}
	if c.PayU.OAuthID == "" {
		errs = append(errs, errors.New("PAYU_OAUTH_ID is not set"))
	}
	if c.PayU.OAuthSecret == "" {
		errs = append(errs, errors.New("PAYU_OAUTH_SECRET is not set"))
	}
	if !signature.Supported(c.PayU.Algorithm) {
		errs = append(errs, fmt.Errorf("PAYU_ALGORITHM %q is not supported", c.PayU.Algorithm))
	}
	if c.PayU.PaywallMethod != MethodREST && c.PayU.PaywallMethod != MethodPOST {
		errs = append(errs, fmt.Errorf("PAYU_PAYWALL_METHOD %q: use REST or POST", c.PayU.PaywallMethod))
	}
	if c.PayU.ConfirmationMethod != ConfirmPush && c.PayU.ConfirmationMethod != ConfirmPull {
		errs = append(errs, fmt.Errorf("PAYU_CONFIRMATION_METHOD %q: use PUSH or PULL", c.PayU.ConfirmationMethod))
	}

	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
