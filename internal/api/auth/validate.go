package auth

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// registrationErrors 把绑定错误翻译成面向客户端的提示列表。
func registrationErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{"Invalid request body"}
	}
	var out []string
	for _, fe := range verrs {
		switch fe.Field() {
		case "Email":
			if fe.Tag() == "required" {
				out = append(out, "Email is required")
			} else {
				out = append(out, "Please provide a valid email")
			}
		case "Password":
			if fe.Tag() == "required" {
				out = append(out, "Password is required")
			} else {
				out = append(out, "Password must be at least 6 characters long")
			}
		case "Name":
			if fe.Tag() == "required" {
				out = append(out, "Name is required")
			} else {
				out = append(out, "Name must be at least 2 characters long")
			}
		}
	}
	if len(out) == 0 {
		return []string{"Invalid request body"}
	}
	return out
}

func loginErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{"Invalid request body"}
	}
	var out []string
	for _, fe := range verrs {
		switch fe.Field() {
		case "Email":
			if fe.Tag() == "required" {
				out = append(out, "Email is required")
			} else {
				out = append(out, "Please provide a valid email")
			}
		case "Password":
			out = append(out, "Password is required")
		}
	}
	if len(out) == 0 {
		return []string{"Invalid request body"}
	}
	return out
}
