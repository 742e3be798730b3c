package multiaddr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Pattern 地址匹配模式
//
// 模式与普通多地址同形，数值组件允许 "*" 或 "a-b" 范围，
// 如 /ip4/127.*.*.*/tcp/18000-19000。用于 excluded_dial_addresses
// 等地址过滤配置。
type Pattern struct {
	raw   string
	parts []string
}

// NewPattern 解析地址模式
func NewPattern(s string) (Pattern, error) {
	if s == "" || s[0] != '/' {
		return Pattern{}, fmt.Errorf("%w: %q", ErrEmptyAddress, s)
	}
	parts := strings.Split(strings.TrimPrefix(s, "/"), "/")
	if len(parts) == 0 {
		return Pattern{}, ErrEmptyAddress
	}
	return Pattern{raw: s, parts: parts}, nil
}

// MustPattern 解析地址模式，失败时 panic。仅用于常量模式
func MustPattern(s string) Pattern {
	p, err := NewPattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String 返回模式原文
func (p Pattern) String() string {
	return p.raw
}

// Matches 判断地址是否匹配模式
func (p Pattern) Matches(addr Multiaddr) bool {
	addrParts := strings.Split(strings.TrimPrefix(addr.String(), "/"), "/")
	if len(addrParts) != len(p.parts) {
		return false
	}
	for i, pat := range p.parts {
		if !segmentMatches(pat, addrParts[i]) {
			return false
		}
	}
	return true
}

// segmentMatches 匹配单个路径段，点分段逐一比较
func segmentMatches(pattern, value string) bool {
	if pattern == value || pattern == "*" {
		return true
	}
	patDots := strings.Split(pattern, ".")
	valDots := strings.Split(value, ".")
	if len(patDots) != len(valDots) {
		return false
	}
	for i := range patDots {
		if !atomMatches(patDots[i], valDots[i]) {
			return false
		}
	}
	return true
}

// atomMatches 匹配最小单元："*"、"a-b" 数值范围或字面值
func atomMatches(pattern, value string) bool {
	if pattern == value || pattern == "*" {
		return true
	}
	if idx := strings.IndexByte(pattern, '-'); idx > 0 {
		lo, err1 := strconv.Atoi(pattern[:idx])
		hi, err2 := strconv.Atoi(pattern[idx+1:])
		v, err3 := strconv.Atoi(value)
		if err1 == nil && err2 == nil && err3 == nil {
			return v >= lo && v <= hi
		}
	}
	return false
}

// PatternList 模式集合
type PatternList []Pattern

// NewPatternList 解析一组模式
func NewPatternList(specs []string) (PatternList, error) {
	list := make(PatternList, 0, len(specs))
	for _, s := range specs {
		p, err := NewPattern(s)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, nil
}

// Matches 判断地址是否匹配集合中任一模式
func (l PatternList) Matches(addr Multiaddr) bool {
	for _, p := range l {
		if p.Matches(addr) {
			return true
		}
	}
	return false
}

// CIDRList CIDR 集合，用于 listener_liveness_allowlist_cidrs
type CIDRList []*net.IPNet

// NewCIDRList 解析一组 CIDR
func NewCIDRList(specs []string) (CIDRList, error) {
	list := make(CIDRList, 0, len(specs))
	for _, s := range specs {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("parse cidr %q: %w", s, err)
		}
		list = append(list, ipnet)
	}
	return list, nil
}

// Contains 判断 IP 是否在集合内
func (l CIDRList) Contains(ip net.IP) bool {
	for _, n := range l {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
