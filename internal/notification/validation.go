package notification

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator はリクエストボディの構造体タグを検証する。
type Validator struct {
	validate *validator.Validate
}

// NewValidator はチャネル・状態用の独自ルールを登録したValidatorを生成する。
// エラー中のフィールド名にはJSONのキー名を使う。
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// 登録名は固定文字列なので失敗しない
	_ = v.RegisterValidation("notification_channel", func(fl validator.FieldLevel) bool {
		return Channel(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("notification_status", func(fl validator.FieldLevel) bool {
		return Status(fl.Field().String()).Valid()
	})
	return &Validator{validate: v}
}

// Validate は構造体を検証し、失敗時はErrValidationをラップしたエラーを返す。
func (v *Validator) Validate(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalid("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return invalid("%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "notification_channel":
		return fmt.Sprintf("%s must be one of email, push (got %q)", fe.Field(), fe.Value())
	case "notification_status":
		return fmt.Sprintf("%s must be one of queued, processing, delivered, failed (got %q)", fe.Field(), fe.Value())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}
