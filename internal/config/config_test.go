package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
server:
  webhook_port: "8080"
  metrics_port: "9090"

database:
  host: "db.internal"
  port: 5432
  user: "taskboard_rw"
  name: "taskboard"
  ssl_mode: "require"

claim:
  min_expiry_seconds: 60
  max_expiry_seconds: 86400
  default_expiry_seconds: 900
  sweep_interval: "45s"

idempotency:
  wait_timeout: "30s"
  poll_interval: "50ms"

webhook:
  dispatch_timeout: "5s"
  max_concurrent: 8

redis:
  addr: "redis.internal:6379"
  ttl: "1m"

capability:
  salt: "test-salt"

append:
  max_content_bytes: 32768
  request_body_max_bytes: 1048576

audit:
  buffer_size: 500
  batch_size: 25
  flush_interval: "1s"

logging:
  level: "info"
  format: "json"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(config).NotTo(BeNil())

				Expect(config.Server.WebhookPort).To(Equal("8080"))
				Expect(config.Server.MetricsPort).To(Equal("9090"))

				Expect(config.Database.Host).To(Equal("db.internal"))
				Expect(config.Database.Port).To(Equal(5432))
				Expect(config.Database.User).To(Equal("taskboard_rw"))
				Expect(config.Database.Name).To(Equal("taskboard"))
				Expect(config.Database.SSLMode).To(Equal("require"))

				Expect(config.Claim.MinExpirySeconds).To(Equal(60))
				Expect(config.Claim.MaxExpirySeconds).To(Equal(86400))
				Expect(config.Claim.DefaultExpirySeconds).To(Equal(900))
				Expect(config.Claim.SweepInterval).To(Equal(45 * time.Second))

				Expect(config.Idempotency.WaitTimeout).To(Equal(30 * time.Second))
				Expect(config.Idempotency.PollInterval).To(Equal(50 * time.Millisecond))

				Expect(config.Webhook.DispatchTimeout).To(Equal(5 * time.Second))
				Expect(config.Webhook.MaxConcurrent).To(Equal(8))

				Expect(config.Redis.Addr).To(Equal("redis.internal:6379"))
				Expect(config.Redis.TTL).To(Equal(time.Minute))

				Expect(config.Capability.Salt).To(Equal("test-salt"))

				Expect(config.Append.MaxContentBytes).To(Equal(32768))
				Expect(config.Append.RequestBodyMaxBytes).To(Equal(int64(1048576)))

				Expect(config.Audit.BufferSize).To(Equal(500))
				Expect(config.Audit.BatchSize).To(Equal(25))
				Expect(config.Audit.FlushInterval).To(Equal(time.Second))

				Expect(config.Logging.Level).To(Equal("info"))
				Expect(config.Logging.Format).To(Equal("json"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
server:
  webhook_port: "3000"
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Server.WebhookPort).To(Equal("3000"))
				Expect(config.Database.Name).To(Equal("taskboard"))
				Expect(config.Claim.DefaultExpirySeconds).To(Equal(1800))
				Expect(config.Claim.SweepInterval).To(Equal(30 * time.Second))
				Expect(config.Webhook.MaxConcurrent).To(Equal(8))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
server:
  webhook_port: "8080"
  invalid_yaml: [
database:
  host: "test"
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when claim expiry bounds are inconsistent", func() {
			BeforeEach(func() {
				invalidClaimConfig := `
server:
  webhook_port: "8080"

claim:
  min_expiry_seconds: 900
  max_expiry_seconds: 60
  default_expiry_seconds: 300
`
				err := os.WriteFile(configFile, []byte(invalidClaimConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return a validation error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("claim max expiry must be >= min expiry"))
			})
		})
	})

	Describe("validate", func() {
		var config *Config

		BeforeEach(func() {
			config = defaultConfig()
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when webhook port is missing", func() {
			BeforeEach(func() {
				config.Server.WebhookPort = ""
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("webhook port is required"))
			})
		})

		Context("when claim min expiry is not positive", func() {
			BeforeEach(func() {
				config.Claim.MinExpirySeconds = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("claim min expiry must be greater than 0"))
			})
		})

		Context("when claim default expiry is outside [min, max]", func() {
			BeforeEach(func() {
				config.Claim.DefaultExpirySeconds = config.Claim.MaxExpirySeconds + 1
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("claim default expiry must be within [min, max]"))
			})
		})

		Context("when webhook max concurrent is invalid", func() {
			BeforeEach(func() {
				config.Webhook.MaxConcurrent = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("webhook max concurrent must be greater than 0"))
			})
		})

		Context("when idempotency wait timeout is not positive", func() {
			BeforeEach(func() {
				config.Idempotency.WaitTimeout = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("idempotency wait timeout must be greater than 0"))
			})
		})

		Context("when capability salt is missing", func() {
			BeforeEach(func() {
				config.Capability.Salt = ""
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("capability salt is required"))
			})
		})

		Context("when append max content bytes is invalid", func() {
			BeforeEach(func() {
				config.Append.MaxContentBytes = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("append max content bytes must be greater than 0"))
			})
		})

		Context("when audit buffer size is invalid", func() {
			BeforeEach(func() {
				config.Audit.BufferSize = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("audit buffer size must be greater than 0"))
			})
		})

		Context("when logging level is unsupported", func() {
			BeforeEach(func() {
				config.Logging.Level = "verbose"
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported logging level"))
			})
		})
	})

	Describe("loadFromEnv", func() {
		var config *Config

		BeforeEach(func() {
			config = defaultConfig()
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("WEBHOOK_PORT", "3000")
				os.Setenv("METRICS_PORT", "9999")
				os.Setenv("LOG_LEVEL", "debug")
				os.Setenv("LOG_FORMAT", "console")
				os.Setenv("CAPABILITY_SALT", "env-salt")
				os.Setenv("REDIS_ADDR", "redis.env:6379")
			})

			AfterEach(func() {
				os.Clearenv()
			})

			It("should load values from environment", func() {
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(config.Capability.Salt).To(Equal("env-salt"))
				Expect(config.Redis.Addr).To(Equal("redis.env:6379"))

				Expect(config.Server.WebhookPort).To(Equal("3000"))
				Expect(config.Server.MetricsPort).To(Equal("9999"))
				Expect(config.Logging.Level).To(Equal("debug"))
				Expect(config.Logging.Format).To(Equal("console"))
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify config", func() {
				originalConfig := *config
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(*config).To(Equal(originalConfig))
			})
		})
	})
})
